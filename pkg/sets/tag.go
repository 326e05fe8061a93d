package sets

// Tag is a device data point to project, with an optional sample rate in
// seconds for live updates.
type Tag struct {
	Name       string `json:"name"`
	SampleRate int    `json:"sampleRate,omitempty"`
}

// TagSet is an ordered set of tags keyed by name.
type TagSet struct {
	order []string
	tags  map[string]Tag
}

// NewTagSet creates a TagSet holding tags.
func NewTagSet(tags ...Tag) *TagSet {
	ts := &TagSet{tags: make(map[string]Tag)}
	for _, t := range tags {
		ts.Add(t)
	}
	return ts
}

// Add inserts or replaces a tag. Tags without a name are ignored.
func (ts *TagSet) Add(t Tag) *TagSet {
	if t.Name == "" {
		return ts
	}
	if _, ok := ts.tags[t.Name]; !ok {
		ts.order = append(ts.order, t.Name)
	}
	ts.tags[t.Name] = t
	return ts
}

// Remove drops the named tag.
func (ts *TagSet) Remove(name string) *TagSet {
	if _, ok := ts.tags[name]; !ok {
		return ts
	}
	delete(ts.tags, name)
	for i, n := range ts.order {
		if n == name {
			ts.order = append(ts.order[:i], ts.order[i+1:]...)
			break
		}
	}
	return ts
}

// Get returns the named tag.
func (ts *TagSet) Get(name string) (Tag, bool) {
	t, ok := ts.tags[name]
	return t, ok
}

// Names returns tag names in insertion order.
func (ts *TagSet) Names() []string {
	out := make([]string, len(ts.order))
	copy(out, ts.order)
	return out
}

// Projection selects the tag values of every tag in the set.
func (ts *TagSet) Projection() map[string]interface{} {
	if len(ts.order) == 0 {
		return nil
	}
	fields := make(map[string]interface{}, len(ts.order))
	for _, name := range ts.order {
		fields[name] = 1
	}
	return map[string]interface{}{"tagValues": fields}
}

// SampleRates maps tag names to their sample rates; tags without one are left out.
func (ts *TagSet) SampleRates() map[string]int {
	out := make(map[string]int)
	for _, name := range ts.order {
		if r := ts.tags[name].SampleRate; r > 0 {
			out[name] = r
		}
	}
	return out
}
