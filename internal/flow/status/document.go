package status

// Header is one "Key: Value" line from the document's front-matter region,
// preserved in declaration order.
type Header struct {
	Key   string
	Value string
}

// Document is the parsed form of a status.md file: an ordered header block
// followed by a forest of tasks. HadBOM records whether the source file
// began with a byte-order mark so Write can restore it; line endings are not
// recorded, and Write always normalizes them to LF.
type Document struct {
	Headers []Header
	Roots   []*Task
	HadBOM  bool
}

// Header looks up the first header with the given key (case-sensitive).
func (d *Document) Header(key string) (string, bool) {
	for _, h := range d.Headers {
		if h.Key == key {
			return h.Value, true
		}
	}
	return "", false
}

// SetHeader updates the first header with key, or appends a new one.
func (d *Document) SetHeader(key, value string) {
	for i := range d.Headers {
		if d.Headers[i].Key == key {
			d.Headers[i].Value = value
			return
		}
	}
	d.Headers = append(d.Headers, Header{Key: key, Value: value})
}
