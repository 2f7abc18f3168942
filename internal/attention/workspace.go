package attention

// workspaceAlignment is the start alignment of every workspace region.
const workspaceAlignment = 256

func alignTo(n, a int) int {
	return (n + a - 1) / a * a
}

// workspaceLayout is the byte offset of each scratch region. Regions that a
// path does not use have zero size.
type workspaceLayout struct {
	q, k, v   int // staging offsets
	qkvBytes  int
	aux       int // cumulative sequence lengths, B+1 int32
	auxBytes  int
	scores    int
	probs     int
	scoreSize int
	total     int
}

func planWorkspace(elemSize int, p Parameters, fused bool) workspaceLayout {
	b, n := p.BatchSize, p.NumHeads
	s, l, t := p.SequenceLength, p.KVSequenceLength, p.TotalSequenceLength

	var w workspaceLayout
	qBytes := elemSize * b * n * s * p.HeadSize
	kBytes := elemSize * b * n * l * p.HeadSize
	vBytes := elemSize * b * n * l * p.VHeadSize
	w.q = 0
	w.k = alignTo(qBytes, workspaceAlignment)
	w.v = w.k + alignTo(kBytes, workspaceAlignment)
	w.qkvBytes = alignTo(w.v+vBytes, workspaceAlignment)

	w.aux = w.qkvBytes
	w.auxBytes = alignTo(4*(b+1), workspaceAlignment)
	w.total = w.aux + w.auxBytes
	if fused {
		return w
	}
	w.scoreSize = alignTo(elemSize*b*n*s*t, workspaceAlignment)
	w.scores = w.total
	w.probs = w.scores + w.scoreSize
	w.total = w.probs + w.scoreSize
	return w
}

// WorkspaceSize is the scratch size in bytes a call needs on the chosen
// path. The generic path always needs more than the fused path because it
// materialises the score and probability matrices.
func WorkspaceSize(elemSize int, p Parameters, fused bool) int {
	return planWorkspace(elemSize, p, fused).total
}
