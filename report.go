package porta

// InfoTag classifies a PortInfo.
type InfoTag uint8

const (
	InfoMisc InfoTag = iota
	InfoConnection
)

// PortInfo is a lifecycle event or a line of description of a port.
type PortInfo struct {
	Tag      InfoTag
	Incoming bool
	Created  bool

	PortName    string
	SourceName  string
	TargetName  string
	CarrierName string

	Message string
}

// Reporter observes port events. Like readers, it is borrowed and never
// invoked after Close returned.
type Reporter interface {
	Report(info PortInfo)
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(info PortInfo)

func (f ReporterFunc) Report(info PortInfo) {
	f(info)
}
