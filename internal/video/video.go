package video

// Status summarises a videos overall position in the pipeline for
// operator-facing output. A failed video is still pending from the
// pipelines perspective (a later run will retry it), but operators
// need to see it distinctly.
func (v *Video) Status() string {
	switch {
	case v.CompletedAt != nil:
		return "COMPLETED"
	case v.DownloadState == DownloadFailed || v.SplitState == SplitFailed:
		return "FAILED"
	default:
		return "PENDING"
	}
}
