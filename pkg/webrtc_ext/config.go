package webrtc_ext

// Configuration of the WebRTC API used for the calls.
type Config struct {
	// STUN servers used to gather server reflexive candidates. No TURN: calls between peers that
	// can't reach each other directly fail.
	STUNServers []string `yaml:"stunServers"`
	// ICE connection is considered disconnected after this many seconds without traffic.
	DisconnectedTimeout int `yaml:"disconnectedTimeout"`
	// ICE connection is considered failed after this many seconds of being disconnected.
	FailedTimeout int `yaml:"failedTimeout"`
	// How often (in seconds) to send ICE keep-alives.
	KeepAliveInterval int `yaml:"keepAliveInterval"`
}

var DefaultSTUNServers = []string{"stun:stun.l.google.com:19302"}
