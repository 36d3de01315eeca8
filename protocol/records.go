package protocol

// Records is a batch of TLV records, the unit every feeder and drainer
// moves around. It converts to net.Buffers for vectored writes.
type Records [][]byte

func (recs Records) TotalLen() (total int64) {
	for _, r := range recs {
		total += int64(len(r))
	}
	return
}

// Bytes concatenates the batch into one message, e.g. one websocket frame.
func (recs Records) Bytes() []byte {
	return Concat(recs...)
}
