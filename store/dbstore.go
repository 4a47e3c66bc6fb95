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
package store

import (
	"bytes"
	"io"
	"io/ioutil"
	"os"
	"path"

	"github.com/bmatsuo/lmdb-go/lmdb"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	// DBStoreName is the single LMDB data file name within the resume
	// store directory.
	DBStoreName = "resume-store"
)

var (
	ErrDBStoreNotInitialized = errors.New("resume store not initialized")
)

// DBStore is an LMDB-backed Store, used to persist ingress checkpoints
// (last verified block_no, hash-retry count) across a dropped
// orchestrator connection.
type DBStore struct {
	env *lmdb.Env
}

type DBStoreWrite struct {
	io.WriteCloser
	dbs  *DBStore
	name string
	data bytes.Buffer
}

type dbTxn struct {
	txn *lmdb.Txn
	dbi lmdb.DBI
}

// NewDBStore creates a Store backed by a single-file LMDB environment
// rooted at dirpath. Returns nil if initialization failed.
func NewDBStore(dirpath string) *DBStore {
	env, err := lmdb.NewEnv()
	if err != nil {
		log.Errorf("store: failed to create DB environment: %v", err)
		return nil
	}

	if err := env.Open(path.Join(dirpath, DBStoreName), lmdb.NoSubdir, 0600); err != nil {
		log.Errorf("store: failed to open DB environment at %s: %v", dirpath, err)
		return nil
	}

	return &DBStore{env: env}
}

func (db *DBStore) Close() error {
	if db.env != nil {
		if err := db.env.Close(); err != nil {
			return errors.Wrap(err, "closing resume store")
		}
		db.env = nil
	}
	return nil
}

func (db *DBStore) ReadAll(name string) ([]byte, error) {
	b, err := db.readBytes(name)
	if err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func (db *DBStore) WriteAll(name string, data []byte) error {
	return db.writeBytes(name, bytes.NewBuffer(data))
}

// WriteMap writes every entry of m in a single transaction, so a checkpoint
// spanning several keys (e.g. block_no plus a running per-MiB hash) is
// either all visible or none of it is.
func (db *DBStore) WriteMap(m map[string][]byte) error {
	if db.env == nil {
		return ErrDBStoreNotInitialized
	}

	err := db.env.Update(func(txn *lmdb.Txn) error {
		dbi, err := txn.OpenRoot(0)
		if err != nil {
			return err
		}
		for name, data := range m {
			if err := txn.Put(dbi, []byte(name), data, 0); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "writing checkpoint map")
	}
	return nil
}

func (db *DBStore) writeBytes(name string, data *bytes.Buffer) error {
	if db.env == nil {
		return ErrDBStoreNotInitialized
	}

	err := db.env.Update(func(txn *lmdb.Txn) error {
		dbi, err := txn.OpenRoot(0)
		if err != nil {
			return err
		}
		return txn.Put(dbi, []byte(name), data.Bytes(), 0)
	})

	if err != nil {
		return errors.Wrapf(err, "writing key %s", name)
	}
	return nil
}

func (db *DBStore) OpenRead(name string) (io.ReadCloser, error) {
	b, err := db.readBytes(name)
	if err != nil {
		return nil, err
	}
	return ioutil.NopCloser(b), nil
}

func (db *DBStore) readBytes(name string) (*bytes.Buffer, error) {
	if db.env == nil {
		return nil, ErrDBStoreNotInitialized
	}

	var b *bytes.Buffer

	err := db.env.View(func(txn *lmdb.Txn) error {
		dbi, err := txn.OpenRoot(0)
		if err != nil {
			return err
		}

		data, err := txn.Get(dbi, []byte(name))
		if err != nil {
			return err
		}

		b = bytes.NewBuffer(data)
		return nil
	})

	if err != nil {
		if lmdb.IsNotFound(err) {
			return nil, os.ErrNotExist
		}
		return nil, errors.Wrapf(err, "reading key %s", name)
	}
	return b, nil
}

func (db *DBStore) Remove(name string) error {
	if db.env == nil {
		return ErrDBStoreNotInitialized
	}

	err := db.env.Update(func(txn *lmdb.Txn) error {
		dbi, err := txn.OpenRoot(0)
		if err != nil {
			return err
		}

		if err := txn.Del(dbi, []byte(name), nil); err != nil {
			if lmdbErr, ok := err.(*lmdb.OpError); ok {
				if lmdbErr.Errno == lmdb.NotFound {
					return nil
				}
			}
			return err
		}
		return nil
	})

	if err != nil {
		return errors.Wrapf(err, "deleting key %s", name)
	}
	return nil
}

func (db *DBStore) OpenWrite(name string) (WriteCloserCommitter, error) {
	dbw := DBStoreWrite{
		dbs:  db,
		name: name,
	}
	return &dbw, nil
}

func (dbw *DBStoreWrite) Write(data []byte) (int, error) {
	return dbw.data.Write(data)
}

func (dbw *DBStoreWrite) Close() error {
	return nil
}

func (dbw *DBStoreWrite) Commit() error {
	return dbw.dbs.writeBytes(dbw.name, &dbw.data)
}

// WriteTransaction runs txnFunc as a single LMDB write transaction.
func (db *DBStore) WriteTransaction(txnFunc func(txn Transaction) error) error {
	if db.env == nil {
		return ErrDBStoreNotInitialized
	}
	return db.env.Update(func(lt *lmdb.Txn) error {
		dbi, err := lt.OpenRoot(0)
		if err != nil {
			return err
		}
		return txnFunc(&dbTxn{txn: lt, dbi: dbi})
	})
}

// ReadTransaction runs txnFunc as a single LMDB read-only transaction.
func (db *DBStore) ReadTransaction(txnFunc func(txn Transaction) error) error {
	if db.env == nil {
		return ErrDBStoreNotInitialized
	}
	return db.env.View(func(lt *lmdb.Txn) error {
		dbi, err := lt.OpenRoot(0)
		if err != nil {
			return err
		}
		return txnFunc(&dbTxn{txn: lt, dbi: dbi})
	})
}

func (t *dbTxn) ReadAll(name string) ([]byte, error) {
	data, err := t.txn.Get(t.dbi, []byte(name))
	if err != nil {
		if lmdb.IsNotFound(err) {
			return nil, os.ErrNotExist
		}
		return nil, errors.Wrapf(err, "reading key %s", name)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (t *dbTxn) WriteAll(name string, data []byte) error {
	if err := t.txn.Put(t.dbi, []byte(name), data, 0); err != nil {
		return errors.Wrapf(err, "writing key %s", name)
	}
	return nil
}

func (t *dbTxn) Remove(name string) error {
	if err := t.txn.Del(t.dbi, []byte(name), nil); err != nil {
		if lmdbErr, ok := err.(*lmdb.OpError); ok && lmdbErr.Errno == lmdb.NotFound {
			return nil
		}
		return errors.Wrapf(err, "deleting key %s", name)
	}
	return nil
}
