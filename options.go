package patchelf

// Option configures parsing and layout behavior of an Image.
type Option func(*options)

type options struct {
	pageSize  uint64 // load-segment alignment for appended regions
	noInPlace bool   // disable the extend-in-place optimization
}

// WithPageSize overrides the alignment used for regions the relocator
// appends at end of file. The default is 4 KiB, raised automatically to
// the largest PT_LOAD alignment present in the input.
func WithPageSize(size uint64) Option {
	return func(o *options) {
		o.pageSize = size
	}
}

// WithoutInPlaceGrowth forces every grown region to be relocated to end
// of file even when trailing slack could absorb it. Useful for exercising
// the relocation path deterministically.
func WithoutInPlaceGrowth() Option {
	return func(o *options) {
		o.noInPlace = true
	}
}
