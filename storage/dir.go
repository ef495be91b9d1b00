/*
 *
 * xk6-browser - a browser automation extension for k6
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package storage manages the on-disk state owned by a browser process.
package storage

import (
	"fmt"
	"sync"

	"github.com/spf13/afero"
)

const userDataDirPattern = "xk6-browser-data-"

// Dir manages a browser user data directory. The zero value is ready to use
// and works against the OS filesystem.
type Dir struct {
	Dir string // path to the data storage directory

	// Fs is the filesystem the directory lives on. Nil means the OS
	// filesystem.
	Fs afero.Fs

	remove      bool // whether Cleanup removes the directory
	cleanupOnce sync.Once
	cleanupErr  error
}

// Make creates a new temporary directory in tmpDir, and stores the path to
// the directory in the Dir field. The temporary directory will be removed by
// Cleanup. If dir is a non-empty string, it is used as the user data
// directory instead and Cleanup leaves it alone.
func (d *Dir) Make(tmpDir string, dir any) error {
	if s, ok := dir.(string); ok && s != "" {
		d.Dir = s
		return nil
	}

	name, err := afero.TempDir(d.fs(), tmpDir, userDataDirPattern)
	if err != nil {
		return fmt.Errorf("making user data directory: %w", err)
	}
	d.Dir = name
	d.remove = true

	return nil
}

// IsTemp reports whether the directory was created by Make and is thus
// owned, and removed, by this Dir.
func (d *Dir) IsTemp() bool {
	return d != nil && d.remove
}

// Cleanup removes the temporary directory created by Make. Only the first
// call removes anything; later calls return the first call's result.
func (d *Dir) Cleanup() error {
	if d == nil || !d.remove {
		return nil
	}
	d.cleanupOnce.Do(func() {
		if err := d.fs().RemoveAll(d.Dir); err != nil {
			d.cleanupErr = fmt.Errorf("removing user data directory %q: %w", d.Dir, err)
		}
	})

	return d.cleanupErr
}

func (d *Dir) fs() afero.Fs {
	if d.Fs == nil {
		return afero.NewOsFs()
	}
	return d.Fs
}

// Exists reports whether the directory is still present.
func (d *Dir) Exists() bool {
	if d == nil || d.Dir == "" {
		return false
	}
	ok, err := afero.DirExists(d.fs(), d.Dir)
	return err == nil && ok
}
