package porta

import (
	"errors"
)

var (
	ErrNameInvalid = errors.New("port: names must start with a slash and be less than 256 chars")
	ErrInvalidCfg  = errors.New("port: invalid options")

	ErrAlreadyListening    = errors.New("port: already listening")
	ErrNotListening        = errors.New("port: not listening")
	ErrManualPort          = errors.New("port: manually started ports do not listen")
	ErrListen              = errors.New("port: could not listen")
	ErrClosing             = errors.New("port: shutting down")
	ErrInterrupted         = errors.New("port: interrupted")
	ErrNoReply             = errors.New("port: no reply received")
	ErrOutputsNotAllowed   = errors.New("port: outputs not allowed")
	ErrInputsNotAllowed    = errors.New("port: inputs not allowed")
	ErrRPCAlreadyConnected = errors.New("port: RPC output already connected")
	ErrConnectFailed       = errors.New("port: cannot connect")
	ErrNoSuchConnection    = errors.New("port: no such connection")
	ErrSendIncomplete      = errors.New("port: message not delivered to every connection")

	ErrNameResolution = errors.New("registry: name does not exist")
	ErrNameConflict   = errors.New("registry: name already registered")
	ErrRegistryClosed = errors.New("registry: closed")
	ErrJoinCluster    = errors.New("registry: could not join cluster")
	ErrInvalidRecord  = errors.New("registry: invalid record")

	ErrProtocolViolation = errors.New("wire: protocol violation")
	ErrTooLargeFrame     = errors.New("wire: frame too large")

	ErrUnknownMonitor = errors.New("admin: unknown monitor")
	ErrAdminFailed    = errors.New("admin: command failed")
)
