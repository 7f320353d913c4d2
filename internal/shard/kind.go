package shard

// Record widths in bytes, per artifact family.
const (
	PreimageWidth = 12
	DictWidth     = 20
	WordWidth     = 8
)

// GroupSource names the artifact family a kind contributes to task groups.
type GroupSource string

const (
	GroupFromHash  GroupSource = "hash"
	GroupFromSlice GroupSource = "slice"
)

// Kind is one record family of the collision search.
//
// The set is closed: Kinds lists every variant in processing order and stages
// read the metadata here instead of comparing names.
type Kind struct {
	Name string
	ID   int

	// Combined marks the A×B family. Only combined hash files are sliced.
	Combined bool

	// Group selects the artifacts packed into this kind's task groups.
	Group GroupSource
}

var (
	Foo    = Kind{Name: "foo", ID: 0, Group: GroupFromHash}
	Bar    = Kind{Name: "bar", ID: 1, Group: GroupFromHash}
	FooBar = Kind{Name: "foobar", ID: 2, Combined: true, Group: GroupFromSlice}
)

// Kinds is the fixed processing order.
var Kinds = []Kind{Foo, Bar, FooBar}

func (k Kind) String() string { return k.Name }

// CombinedKind returns the A×B kind.
func CombinedKind() Kind {
	for _, k := range Kinds {
		if k.Combined {
			return k
		}
	}
	panic("shard: no combined kind declared")
}
