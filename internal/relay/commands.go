package relay

// Commands answered by camd itself rather than forwarded to the camera.
const (
	CmdUpgradeStart  = "upgrade.start" // param: file=<path on camd host>;md5=<hex>
	CmdUpgradeStatus = "upgrade.status"
	CmdUpgradeStop   = "upgrade.stop"
	CmdSDKVersion    = "sdk.version"
	CmdSessionState  = "session.state"
	CmdInfo          = "info"
)
