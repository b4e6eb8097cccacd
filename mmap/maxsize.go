package mmap

import "math"

// MaxSize is the largest length Map accepts. The kernel may still refuse
// smaller mappings for lack of address space.
const MaxSize = math.MaxInt
