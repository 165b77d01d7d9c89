package graftchat

// AppliedLines returns, per origin, the encoded commands applied from that origin in sequence order.
func (r *Replica) AppliedLines() [][]string {
	r.mut.Lock()
	defer r.mut.Unlock()

	lines := make([][]string, len(r.applied))
	for origin, entries := range r.applied {
		encoded, err := encodeEntries(entries)
		if err != nil {
			panic(err)
		}
		lines[origin] = encoded
	}
	return lines
}
