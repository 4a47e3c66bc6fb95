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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/uroni/urbackup-backend-sub004/fsreader"
	"github.com/uroni/urbackup-backend-sub004/imgengine"
	"github.com/uroni/urbackup-backend-sub004/imgopen"
	"github.com/uroni/urbackup-backend-sub004/mount"
	"github.com/uroni/urbackup-backend-sub004/orchestrator"
	"github.com/uroni/urbackup-backend-sub004/vhd"
	"github.com/uroni/urbackup-backend-sub004/vhdx"
)

func createCommand() *cli.Command {
	return &cli.Command{
		Name:      "create",
		Usage:     "create a new VHD or VHDX container",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "format", Value: "vhdx", Usage: "vhd or vhdx"},
			&cli.Int64Flag{Name: "size", Usage: "virtual size in bytes (required)"},
			&cli.Int64Flag{Name: "block-size", Usage: "block size in bytes (format default if unset)"},
			&cli.StringFlag{Name: "parent", Usage: "create as a differencing container against this parent"},
		},
		Action: func(ctx *cli.Context) error {
			path := ctx.Args().First()
			if path == "" {
				return errors.New("imagectl create: missing <path>")
			}

			if parentPath := ctx.String("parent"); parentPath != "" {
				return createDifferencing(ctx.String("format"), path, parentPath)
			}
			if ctx.Int64("size") == 0 {
				return errors.New("imagectl create: --size is required")
			}
			return createNew(ctx.String("format"), path, ctx.Int64("size"), ctx.Int64("block-size"))
		},
	}
}

func createNew(format, path string, size, blockSize int64) error {
	switch format {
	case "vhd":
		c, err := vhd.Create(path, size, uint32(blockSize))
		if err != nil {
			return err
		}
		return c.Close()
	case "vhdx":
		c, err := vhdx.Create(path, size, blockSize)
		if err != nil {
			return err
		}
		return c.Close()
	default:
		return errors.Errorf("imagectl create: unknown format %q", format)
	}
}

func createDifferencing(format, path, parentPath string) error {
	switch format {
	case "vhd":
		parent, err := vhd.Open(parentPath, false)
		if err != nil {
			return err
		}
		c, err := vhd.CreateDifferencing(path, parent)
		if err != nil {
			parent.Close()
			return err
		}
		return c.Close()
	case "vhdx":
		parent, err := vhdx.Open(parentPath, false)
		if err != nil {
			return err
		}
		c, err := vhdx.CreateDifferencing(path, parent)
		if err != nil {
			parent.Close()
			return err
		}
		return c.Close()
	default:
		return errors.Errorf("imagectl create: unknown format %q", format)
	}
}

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "print a container's size, block size, sector size and parent status",
		ArgsUsage: "<path>",
		Action: func(ctx *cli.Context) error {
			path := ctx.Args().First()
			if path == "" {
				return errors.New("imagectl inspect: missing <path>")
			}

			c, err := imgopen.Open(path, true)
			if err != nil {
				return err
			}
			defer c.Close()

			info := struct {
				VirtualSize int64 `json:"virtual_size"`
				BlockSize   int64 `json:"block_size"`
				SectorSize  int   `json:"sector_size"`
				HasParent   bool  `json:"has_parent"`
			}{
				VirtualSize: c.VirtualSize(),
				BlockSize:   c.BlockSize(),
				SectorSize:  c.SectorSize(),
				HasParent:   c.HasParent(),
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		},
	}
}

func makeFullCommand() *cli.Command {
	return &cli.Command{
		Name:      "make-full",
		Usage:     "materialise a differencing container to a standalone full image and detach its parent",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bitmap", Usage: "client bitmap file; NTFS is tried first"},
			&cli.Int64Flag{Name: "volume-offset", Usage: "byte offset of the payload volume within the container"},
		},
		Action: func(ctx *cli.Context) error {
			path := ctx.Args().First()
			if path == "" {
				return errors.New("imagectl make-full: missing <path>")
			}

			c, err := imgopen.Open(path, false)
			if err != nil {
				return err
			}
			defer c.Close()

			fs, err := fsreader.Detect(readerAtAdapter{c}, ctx.Int64("volume-offset"), ctx.String("bitmap"))
			if err != nil {
				return err
			}
			defer fs.Close()

			cancel := imgengine.NewCancelToken()
			notifyCancel(cancel)

			log.Infof("imagectl: making %s full, detaching parent", path)
			return c.MakeFull(fs, cancel)
		},
	}
}

func trimCommand() *cli.Command {
	return &cli.Command{
		Name:      "trim",
		Usage:     "trim every block the filesystem reports unused",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bitmap", Usage: "client bitmap file; NTFS is tried first"},
			&cli.Int64Flag{Name: "volume-offset", Usage: "byte offset of the payload volume within the container"},
		},
		Action: func(ctx *cli.Context) error {
			path := ctx.Args().First()
			if path == "" {
				return errors.New("imagectl trim: missing <path>")
			}

			c, err := imgopen.Open(path, false)
			if err != nil {
				return err
			}
			defer c.Close()

			volOff := ctx.Int64("volume-offset")
			fs, err := fsreader.Detect(readerAtAdapter{c}, volOff, ctx.String("bitmap"))
			if err != nil {
				return err
			}
			defer fs.Close()

			log.Infof("imagectl: trimming unused blocks of %s", path)
			return orchestrator.TrimUnused(c, fs, volOff)
		},
	}
}

func serveMountCommand() *cli.Command {
	return &cli.Command{
		Name:      "serve-mount",
		Usage:     "serve a container read-only over the local mount-adapter endpoint",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: "127.0.0.1:8723", Usage: "listen address"},
		},
		Action: func(ctx *cli.Context) error {
			path := ctx.Args().First()
			if path == "" {
				return errors.New("imagectl serve-mount: missing <path>")
			}
			addr := ctx.String("addr")

			srv := mount.NewServer(addr, func() (imgengine.Container, error) {
				return imgopen.Open(path, true)
			})

			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return errors.Wrap(err, "imagectl serve-mount: listening")
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				log.Info("imagectl: shutting down mount server")
				srv.Shutdown(context.Background())
			}()

			log.Infof("imagectl: serving %s on %s", path, ln.Addr())
			return srv.Serve(ln)
		},
	}
}

func notifyCancel(cancel *imgengine.CancelToken) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "imagectl: cancelling")
		cancel.Cancel()
	}()
}

// readerAtAdapter narrows an imgengine.Container down to the io.ReaderAt
// shape fsreader.Detect expects, without fsreader importing imgengine.
type readerAtAdapter struct {
	c imgengine.Container
}

func (r readerAtAdapter) ReadAt(p []byte, off int64) (int, error) {
	return r.c.ReadAt(p, off)
}
