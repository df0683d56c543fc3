package pipeline

import "strconv"

type everyNth struct {
	n uint64
}

// EveryNth returns a throttle that passes frames whose counter is a
// multiple of n. n < 1 passes every frame.
func EveryNth(n int) Throttle {
	if n < 1 {
		n = 1
	}
	return &everyNth{n: uint64(n)}
}

func (t *everyNth) Name() string {
	return "every_nth:" + strconv.FormatUint(t.n, 10)
}

func (t *everyNth) ShouldDetect(counter uint64) bool {
	return counter%t.n == 0
}

func (t *everyNth) OnDetectionComplete() {}

func (t *everyNth) Reset() {}
