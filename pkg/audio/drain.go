package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use it when an engine's signal or audio channel must be emptied so the
// producing goroutine can exit.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
