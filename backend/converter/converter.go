package converter

type Converter interface {
	// To converts the given value to its serialized form
	To(v any) ([]byte, error)

	// From converts the given serialized data into the value pointed to by v
	From(data []byte, v any) error
}

var DefaultConverter Converter = &jsonConverter{}
