// Copyright 2025 James Ross
package storage

import "errors"

var errNotFound = errors.New("not found")
