package reconcile

// Group is one bucket produced by GroupBy.
type Group[K comparable, S any] struct {
	Key     K
	Members []S
}

// GroupBy buckets items by key, keeping buckets in order of first
// appearance and members in input order.
func GroupBy[S any, K comparable](items []S, key func(S) K) []Group[K, S] {
	index := make(map[K]int)
	var groups []Group[K, S]
	for _, it := range items {
		k := key(it)
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, Group[K, S]{Key: k})
		}
		groups[i].Members = append(groups[i].Members, it)
	}
	return groups
}
