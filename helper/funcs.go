// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package helper

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"slices"
	"strings"
	"time"
)

// RandomStagger returns an interval between 0 and the duration.
func RandomStagger(intv time.Duration) time.Duration {
	if intv == 0 {
		return 0
	}
	stagger, err := rand.Int(rand.Reader, big.NewInt(int64(intv)))
	if err != nil {
		return intv
	}
	return time.Duration(stagger.Int64())
}

// Min returns the minimum of a and b.
func Min[T ~int | ~uint | ~int64 | ~uint64 | ~float64](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Max returns the maximum of a and b.
func Max[T ~int | ~uint | ~int64 | ~uint64 | ~float64](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// Bound clamps v into the closed interval [lo, hi].
func Bound[T ~int | ~int64 | ~float64](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// CopySlice returns a shallow copy of the slice, or nil for a nil input.
func CopySlice[S ~[]E, E any](s S) S {
	if s == nil {
		return nil
	}
	out := make(S, len(s))
	copy(out, s)
	return out
}

// CopyMap returns a shallow copy of the map, or nil for a nil input.
func CopyMap[M ~map[K]V, K comparable, V any](m M) M {
	if m == nil {
		return nil
	}
	out := make(M, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Truncate returns s shortened to at most n bytes.
func Truncate(s string, n int) string {
	if n >= len(s) {
		return s
	}
	if n < 0 {
		return ""
	}
	return s[:n]
}

// CeilDiv divides a by b rounding up. b must be positive.
func CeilDiv(a, b int) int {
	return int(math.Ceil(float64(a) / float64(b)))
}

// UnusedKeys returns a pretty-printed error if any `hcl:",unusedKeys"`
// field is not empty.
func UnusedKeys(obj interface{}) error {
	val := reflect.ValueOf(obj)
	if val.Kind() == reflect.Ptr {
		val = reflect.Indirect(val)
	}
	return unusedKeysImpl([]string{}, val)
}

func unusedKeysImpl(path []string, val reflect.Value) error {
	stype := val.Type()
	for i := 0; i < stype.NumField(); i++ {
		ftype := stype.Field(i)
		fval := val.Field(i)
		tags := strings.Split(ftype.Tag.Get("hcl"), ",")
		name := tags[0]
		tags = tags[1:]

		if fval.Kind() == reflect.Ptr {
			fval = reflect.Indirect(fval)
		}

		// struct? recurse. Add the struct's key to the path
		if fval.Kind() == reflect.Struct {
			err := unusedKeysImpl(append([]string{name}, path...), fval)
			if err != nil {
				return err
			}
			continue
		}

		if len(tags) == 0 || tags[0] != "unusedKeys" {
			continue
		}

		if ks, ok := fval.Interface().([]string); ok && len(ks) != 0 {
			ps := ""
			if len(path) > 0 {
				ps = strings.Join(path, ".") + " "
			}
			return fmt.Errorf("%sunexpected keys %s",
				ps,
				strings.Join(ks, ", "),
			)
		}
	}
	return nil
}

// RemoveEqualFold removes the first string that EqualFold matches.
func RemoveEqualFold(xs *[]string, search string) {
	sl := *xs
	for i, x := range sl {
		if strings.EqualFold(x, search) {
			sl = slices.Delete(sl, i, i+1)
			if len(sl) == 0 {
				*xs = nil
			} else {
				*xs = sl
			}
			return
		}
	}
}
