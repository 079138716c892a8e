package engine

// Weight returns the cluster's contribution to the weighted holder total.
// An unlinked wallet counts once. A linked identity counts once plus its
// reputation score, however many wallets it spreads holdings across.
func Weight(c Cluster) float64 {
	if !c.Linked() {
		return 1
	}
	score := c.Identity.ScoreOrZero()
	if score < 0 {
		score = 0
	}
	return 1 + score
}

// Weights returns Weight for each cluster, index-aligned.
func Weights(clusters []Cluster) []float64 {
	out := make([]float64, len(clusters))
	for i, c := range clusters {
		out[i] = Weight(c)
	}
	return out
}
