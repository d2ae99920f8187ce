package presence

// Default clustering parameters.
const (
	DefaultDistanceCeiling    = 5.0
	DefaultProximityThreshold = 1.5
)

// ClusterResult partitions one cycle's batch. Every address in the batch
// appears exactly once, either in a cluster or in Excluded.
type ClusterResult struct {
	// Clusters holds one address list per person, seed first.
	Clusters [][]string `json:"clusters"`
	// Excluded lists addresses with an unknown distance or one beyond the
	// ceiling; they never seed and are never absorbed.
	Excluded []string `json:"excluded,omitempty"`
}

// People is the number of clusters.
func (c ClusterResult) People() int { return len(c.Clusters) }

// Clusterer groups simultaneously detected devices into people by comparing
// their estimated distances from the scanner.
//
// The policy is a single greedy pass in batch order. A record that is not yet
// counted seeds a new person and absorbs every later uncounted record whose
// distance is within Threshold of the seed's. Absorbed records never seed, so
// A(1m) B(2m) C(3m) at 1.5m gives {A,B} {C}. Only absolute ranges are
// compared: two unrelated devices at the same range merge.
type Clusterer struct {
	Ceiling   float64
	Threshold float64
}

// NewClusterer returns a Clusterer with the default ceiling and threshold.
func NewClusterer() Clusterer {
	return Clusterer{Ceiling: DefaultDistanceCeiling, Threshold: DefaultProximityThreshold}
}

// CountPeople returns the number of people in batch.
func (c Clusterer) CountPeople(batch []DeviceRecord) int {
	return c.Clusters(batch).People()
}

// Clusters runs the greedy pass over batch. The input order is significant
// and is never changed.
func (c Clusterer) Clusters(batch []DeviceRecord) ClusterResult {
	var res ClusterResult
	counted := make(map[string]bool, len(batch))
	excluded := make(map[string]bool)

	for i, d := range batch {
		if counted[d.Address] {
			continue
		}
		if !d.Distance.Within(c.Ceiling) {
			if !excluded[d.Address] {
				excluded[d.Address] = true
				res.Excluded = append(res.Excluded, d.Address)
			}
			continue
		}

		counted[d.Address] = true
		cluster := []string{d.Address}
		for _, o := range batch[i+1:] {
			if counted[o.Address] || !o.Distance.Within(c.Ceiling) {
				continue
			}
			if d.Distance.Near(o.Distance, c.Threshold) {
				counted[o.Address] = true
				cluster = append(cluster, o.Address)
			}
		}
		res.Clusters = append(res.Clusters, cluster)
	}
	return res
}
