package room

// Compensate projects a position the sender reported at senderClientMs (sender's
// clock, milliseconds) onto the receiver's clock at receiverNowMs. Elapsed time
// between issue and apply is treated as playback progress.
func Compensate(position float64, senderClientMs, receiverNowMs int64) float64 {
	elapsed := receiverNowMs - senderClientMs
	if elapsed < 0 {
		// skewed clocks; never rewind
		elapsed = 0
	}
	target := position + float64(elapsed)/1000
	if target < 0 {
		return 0
	}
	return target
}
