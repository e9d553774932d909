// Copyright 2024 Intel Corporation. All Rights Reserved.
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

package fpga

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// WaitForDevice blocks until the device node file exists, e.g. after the
// driver got bound or a port was released back to the host.
func WaitForDevice(ctx context.Context, file string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrapf(err, "Failed to create watcher for %s", file)
	}
	defer watcher.Close()

	if err = watcher.Add(filepath.Dir(file)); err != nil {
		return errors.Wrapf(err, "Failed to add %s to watcher", file)
	}

	// the node may have appeared before the watch was set up
	if _, err := os.Stat(file); err == nil {
		return nil
	}

	klog.V(1).Infof("waiting for %s", file)

	for {
		select {
		case ev := <-watcher.Events:
			if ev.Name == file && ev.Has(fsnotify.Create) {
				klog.V(1).Infof("%s appeared", file)
				return nil
			}
		case err := <-watcher.Errors:
			return errors.WithStack(err)
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "waiting for %s", file)
		}
	}
}
