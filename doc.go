// Package arbor builds tree-based overlay networks for scalable
// multicast and data reduction between a front-end and many back-ends.
//
// The tree is described by a serialized topology shared by every node.
// The root is the *front-end*, leaves are *back-ends* and every node in
// between is an internal node running *filters*. Each process creates
// its [Network] with the topology and its own rank, then attaches to its
// parent with [Network.Connect].
//
// ## Streams
//
// The front-end opens a [Stream] toward a set of back-ends with
// [Network.NewStream]. Packets sent by the front-end are multicast to the
// members through the downstream filter of every internal node. Packets
// sent by back-ends are synchronized then reduced by the upstream filter
// on their way up, so the front-end receives one packet per wave instead
// of one per back-end.
//
// Filters live in a per-network registry: the built-in ones (`sum`,
// `avg`, `min`, `max`, `array_concat`, `int_eq_class`, `null`) are always
// there, users add their own with [Network.RegisterFilter] and refer to
// them by name with [Network.NewStreamByName].
//
// ## Failures
//
// When a node loses its parent, it scores the nodes which could adopt
// it, dials them in order and reports the new edge to the rest of the
// tree. Streams it carries are re-homed on the new parent. The front-end
// cannot be replaced: losing it is fatal to the whole tree.
//
// Failures are detected when a link breaks. [WithGossip] adds a
// `hashicorp/memberlist` failure detector which closes the links toward
// dead neighbours, so recoveries start before the transport notices.
//
// ## Transport
//
// Links run on top of QUIC, one stream per link, with mTLS mandatory.
// Any [Dialer] can replace it, which is how tests run whole trees in a
// single process with [link.Pipe].
package arbor
