// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/jacobsa/fuse"

	"github.com/cachefs/cachefs/cfg"
	"github.com/cachefs/cachefs/clock"
	"github.com/cachefs/cachefs/internal/blockstore"
	"github.com/cachefs/cachefs/internal/fs"
	"github.com/cachefs/cachefs/internal/index"
	"github.com/cachefs/cachefs/internal/logger"
)

// mount resolves the cache directory, opens the Block Index and Block
// Store, builds the Filesystem Facade and mounts it at mountPoint. It
// blocks until the file system is unmounted.
func mount(mountPoint string, c *cfg.Config) error {
	if err := logger.Init(c.Logging); err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}

	if string(c.Target) == "" {
		return fmt.Errorf("--target is required")
	}
	if _, err := os.Stat(string(c.Target)); err != nil {
		return fmt.Errorf("stat target: %w", err)
	}

	cacheDir := string(c.Cache)
	if cacheDir == "" {
		dir, err := cfg.DefaultCacheDir(string(c.Target))
		if err != nil {
			return fmt.Errorf("computing default cache dir: %w", err)
		}
		cacheDir = dir
	}
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return fmt.Errorf("creating mount point: %w", err)
	}

	ix, err := index.OpenOrCreate(cacheDir)
	if err != nil {
		return fmt.Errorf("opening block index: %w", err)
	}
	store := blockstore.New(cacheDir)

	logger.Infof("mounting %s at %s, caching up to %d bytes under %s", c.Target, mountPoint, c.CacheSizeBytes, cacheDir)

	facade, err := fs.New(string(c.Target), ix, store, c.CacheSizeBytes, clock.RealClock{}, index.Charset(c.Charset))
	if err != nil {
		_ = ix.Close()
		return fmt.Errorf("building filesystem facade: %w", err)
	}

	mountCfg := &fuse.MountConfig{
		FSName:     "cachefs",
		Subtype:    "cachefs",
		VolumeName: "cachefs",
	}
	if c.Debug.ExitOnInvariantViolation {
		mountCfg.DebugLogger = logger.LegacyLogger("fuse_debug: ")
	}
	mountCfg.ErrorLogger = logger.LegacyLogger("fuse: ")

	mfs, err := fuse.Mount(mountPoint, facade.Server(), mountCfg)
	if err != nil {
		_ = ix.Close()
		return fmt.Errorf("mount: %w", err)
	}

	if err := mfs.Join(context.Background()); err != nil {
		_ = ix.Close()
		return fmt.Errorf("waiting for unmount: %w", err)
	}
	return ix.Close()
}
