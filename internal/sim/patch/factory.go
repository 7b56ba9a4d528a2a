package patch

// New constructs a fresh instance for a type tag. Unknown tags report false.
func New(k Kind) (Patch, bool) {
	switch k {
	case KindCrop:
		return NewCrop(), true
	case KindEffect:
		return NewEffect(), true
	case KindDurable:
		return NewDurable(), true
	}
	return nil, false
}

// KindOf returns the tag of a concrete variant type, e.g. KindOf[*Crop]().
func KindOf[T Patch]() Kind {
	var zero T
	return zero.Kind()
}

func ValidKind(k Kind) bool {
	switch k {
	case KindCrop, KindEffect, KindDurable:
		return true
	}
	return false
}
