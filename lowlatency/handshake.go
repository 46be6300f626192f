package lowlatency

// EncodeCount packs a non-negative token count into the wire form the
// count-handshake message carries, a -n-1 encoding that keeps the
// wire value strictly negative so a receiver spinning on an RDMA flag
// word can distinguish "count message landed, value n" from "flag
// word still at its pre-round zero" without a separate valid bit.
func EncodeCount(n int32) int32 {
	return -n - 1
}

// DecodeCount reverses EncodeCount. Calling it on zero (the
// pre-round sentinel, not a valid encoded count) is a protocol fault:
// the receiver should check against zero before decoding.
func DecodeCount(wire int32) int32 {
	return -wire - 1
}

// CountPending reports whether wire is still the pre-round sentinel,
// i.e. no count-handshake message has landed yet for this slot.
func CountPending(wire int32) bool {
	return wire == 0
}
