// Package porta moves messages between *named ports* living in one or
// many processes.
//
// A `Port` has a name starting with a slash, listens on a *carrier* and
// keeps a set of connections to other ports. Everything written to a port
// with `Port.Send` is broadcast to every output connection, and everything
// arriving on an input connection is handed to the `Reader` of the port.
//
// ## How it works
//
// Names are resolved through a `NameService`. A `LocalRegistry` serves the
// ports of one process, and a `GossipRegistry` shares the registrations of
// a whole cluster over [`hashicorp/memberlist`][dep-mbl], so a port can be
// reached by name from any member.
//
// `Port.AddOutput` looks the destination up, dials it with the carrier it
// registered with (or another one) and says *hello*: who is talking to
// whom, and in which role. On *pull* carriers the data sink dials and asks
// for each message, so the route of the connection is inverted.
//
// Every connection is served by its own goroutine. Removing a connection
// only *dooms* it, the listener goroutine closes doomed connections when
// woken up, which keeps slow peers from blocking the caller.
//
// A port also answers *administrative* commands encoded as bottles
// (`[list] [out]`, `[add] /peer`, `[prop] [get]`...), either in-process
// with `Port.Admin` or from a remote tool with `WriteAdmin`. A subset of
// the ROS slave API is understood too, which lets a ROS master drive
// subscriptions.
//
// ## Carriers
//
// * `pkg/carrier/tcp`, the default. It supports packet priority.
// * `pkg/carrier/quic`, authenticated with mutual TLS.
// * `pkg/carrier/mem`, in-process pipes, handy in tests.
//
// [dep-mbl]: https://pkg.go.dev/github.com/hashicorp/memberlist
package porta
