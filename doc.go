// Package gbptree is an embedded, file-backed B+ tree for variable-size
// keys and values.
//
// Nodes are slotted pages: a sorted offset array grows from the front
// of the page while entry data packs toward the back, so entries of any
// size mix freely and lookups stay binary-searchable. Entries too large
// to share a page with another spill to dedicated offload pages. Pages
// carry the generation that wrote them, and freed pages return through
// a free list that only recycles them once no checkpointed state can
// still reference them.
//
// Key features:
//   - Variable-size keys and values with bit-packed entry headers
//   - Single writer, multiple readers concurrency model
//   - Memory-mapped I/O for high performance
//   - Generation-gated page recycling with crash recovery from
//     shadow state pages
//   - Pluggable key/value layouts via the Layout interface
//
// Basic usage:
//
//	tree, err := gbptree.Open[[]byte, []byte]("/path/to/db", gbptree.BytesLayout{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tree.Close()
//
//	// Open the single writer
//	w, err := tree.Writer()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Put a key-value pair
//	if err := w.Put([]byte("key"), []byte("value")); err != nil {
//	    w.Close()
//	    log.Fatal(err)
//	}
//	w.Close()
//
//	// Point lookup
//	value, ok, err := tree.Get([]byte("key"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	_ = value
//	_ = ok
//
//	// Make the writes durable
//	if err := tree.Checkpoint(); err != nil {
//	    log.Fatal(err)
//	}
package gbptree
