package manifest

// ProtocolVersion is the update-check protocol spoken by Client.
const ProtocolVersion = "3.1"

// CheckRequest is the JSON document posted to the update server.
type CheckRequest struct {
	Request RequestBody `json:"request"`
}

type RequestBody struct {
	Protocol       string       `json:"protocol"`
	RequestID      string       `json:"requestid"`
	SessionID      string       `json:"sessionid"`
	InstallSource  string       `json:"installsource,omitempty"`
	UpdaterVersion string       `json:"updaterversion,omitempty"`
	OS             OSInfo       `json:"os"`
	Apps           []RequestApp `json:"app"`
}

// OSInfo describes the host in update requests.
type OSInfo struct {
	Platform string `json:"platform"`
	Version  string `json:"version,omitempty"`
	Arch     string `json:"arch"`
}

type RequestApp struct {
	AppID       string    `json:"appid"`
	Version     string    `json:"version,omitempty"`
	UpdateCheck *struct{} `json:"updatecheck,omitempty"`
}

// CheckResponse is the server's reply. Offline manifests use the same shape.
type CheckResponse struct {
	Response ResponseBody `json:"response"`
}

type ResponseBody struct {
	Protocol string        `json:"protocol"`
	Apps     []ResponseApp `json:"app"`
}

type ResponseApp struct {
	AppID       string      `json:"appid"`
	Status      string      `json:"status"`
	UpdateCheck UpdateCheck `json:"updatecheck"`
}

// Update check statuses.
const (
	StatusOK       = "ok"
	StatusNoUpdate = "noupdate"
)

type UpdateCheck struct {
	Status   string   `json:"status"`
	URLs     URLs     `json:"urls"`
	Manifest Manifest `json:"manifest"`
}

type URLs struct {
	URL []CodeBase `json:"url"`
}

type CodeBase struct {
	Codebase string `json:"codebase"`
}

type Manifest struct {
	Version  string   `json:"version"`
	Packages Packages `json:"packages"`
	Actions  Actions  `json:"actions"`
}

type Packages struct {
	Package []PackageInfo `json:"package"`
}

type PackageInfo struct {
	Name       string `json:"name"`
	HashSHA256 string `json:"hash_sha256"`
	Size       int64  `json:"size"`
	Signature  string `json:"signature,omitempty"`
}

type Actions struct {
	Action []Action `json:"action"`
}

type Action struct {
	Event     string `json:"event"`
	Arguments string `json:"arguments,omitempty"`
	Run       string `json:"run,omitempty"`
}
