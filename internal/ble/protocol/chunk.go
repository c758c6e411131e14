// internal/ble/protocol/chunk.go
package protocol

// MTU is the practical payload size of a single HM-10 characteristic write.
const MTU = 20

// Chunk splits data into consecutive pieces of at most size bytes. The
// controller reassembles bytes until the terminator, so chunks are cut at
// fixed offsets regardless of UTF-8 boundaries. Returns nil for empty data
// or a non-positive size.
func Chunk(data []byte, size int) [][]byte {
	if len(data) == 0 || size <= 0 {
		return nil
	}
	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for len(data) > 0 {
		n := size
		if len(data) < n {
			n = len(data)
		}
		chunks = append(chunks, data[:n:n])
		data = data[n:]
	}
	return chunks
}
