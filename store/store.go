// Copyright 2024 urbackup-backend-sub004 authors
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.

// Package store holds the ingress resume/checkpoint key-value store used by
// the orchestrator (spec C7, §5): which block_no was last durably applied
// and verified for a given container, so a dropped connection can resume
// mid-stream instead of restarting the transfer.
package store

import (
	"io"

	"github.com/pkg/errors"
)

var NoTransactionSupport error = errors.New("no transaction support in this store")

// WriteCloserCommitter wraps io.WriteCloser with an extra Commit() method:
// data written is only durable once Commit succeeds.
type WriteCloserCommitter interface {
	io.WriteCloser
	Commit() error
}

// Transaction is the set of key-value operations available within a single
// read or write transaction.
type Transaction interface {
	// ReadAll reads in the contents of entry name.
	ReadAll(name string) ([]byte, error)
	// WriteAll writes all of data to entry name.
	WriteAll(name string, data []byte) error
	// Remove deletes an entry. Removing an absent entry is not an error.
	Remove(name string) error
}

// Store is a key-value store exposing a common set of methods regardless of
// backing (LMDB on disk, or an in-memory fake for tests). Errors returned
// preserve the semantics of os I/O errors: OpenRead/ReadAll on an entry that
// does not exist returns os.ErrNotExist.
type Store interface {
	// Works as a transaction interface too, auto-creating one transaction
	// per call.
	Transaction

	// OpenRead opens entry name for reading.
	OpenRead(name string) (io.ReadCloser, error)
	// OpenWrite opens entry name for writing; call Commit once finished.
	OpenWrite(name string) (WriteCloserCommitter, error)

	Close() error

	// WriteTransaction runs txnFunc as a single transaction. Stores that
	// don't support transactions return NoTransactionSupport. Any other
	// error returned by txnFunc aborts instead of commits.
	WriteTransaction(txnFunc func(txn Transaction) error) error
	// ReadTransaction is the read-only counterpart of WriteTransaction.
	ReadTransaction(txnFunc func(txn Transaction) error) error
}
