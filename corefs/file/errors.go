// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package file

import (
	"errors"

	"github.com/31core/31corefs/corefs/coreerr"
)

func isNotFound(err error) bool {
	return errors.Is(err, coreerr.ErrNotFound)
}
