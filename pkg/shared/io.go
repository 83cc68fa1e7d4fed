package shared

import "bytes"

func newReader(b []byte) *bytes.Reader {
	return bytes.NewReader(b)
}

func newWriteBuffer() *bytes.Buffer {
	return new(bytes.Buffer)
}
