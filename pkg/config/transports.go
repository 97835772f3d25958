package config

// TransportConfig describes one transport kind and its endpoints.
// Example YAML:
//
//	transports:
//	  - kind: tcp
//	    listen: [":7700"]
//	    dial:
//	      - address: "10.0.0.2:7700"
//	        peer_id: "bob"
//	  - kind: quic
//	    listen: [":7701"]
//	  - kind: mem
//	    listen: ["studio"]
type TransportConfig struct {
	Kind   string           `mapstructure:"kind"`
	Listen []string         `mapstructure:"listen"`
	Dial   []PeerDialConfig `mapstructure:"dial"`
}

// PeerDialConfig describes a target to dial on startup.
type PeerDialConfig struct {
	Address string `mapstructure:"address"`
	PeerID  string `mapstructure:"peer_id"`
}

func knownKind(kind string) bool {
	switch kind {
	case "tcp", "quic", "mem":
		return true
	}
	return false
}
