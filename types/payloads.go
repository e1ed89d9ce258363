package types

// Control payloads and info details, one block per capability kind.

// ---- LED ----

type LEDInfo struct {
	Path          string `json:"path"`
	MaxBrightness int    `json:"max_brightness"`
}

type LEDSet struct {
	Brightness int `json:"brightness"`
}

type LEDRamp struct {
	To         int    `json:"to"`
	DurationMs uint32 `json:"duration_ms"`
	Steps      uint16 `json:"steps"`
}

type LEDTrigger struct {
	Name string `json:"name"`
}

// ---- Vibrator ----

type VibratorInfo struct {
	Path  string `json:"path"`
	MaxMs int    `json:"max_ms"`
}

type VibrateOn struct {
	DurationMs int `json:"duration_ms"`
}

// ---- Torch ----

type TorchInfo struct {
	Chip string `json:"chip"`
	Line int    `json:"line"`
}

type TorchSet struct {
	On bool `json:"on"`
}

// ---- Wake locks ----

type WakeLockReq struct {
	Name string `json:"name"`
}

type PowerInteractive struct {
	On bool `json:"on"`
}

// ---- Sensors ----

type SensorInfo struct {
	Driver  string `json:"driver"`
	Address uint16 `json:"address"`
	MaxHz   int    `json:"max_hz"`
}

type SensorActivate struct {
	RateHz int `json:"rate_hz"`
}

// SensorValue is the payload emitted for each collected sample.
// Values are fixed-point (deci-units) to match the driver contract.
type SensorValue struct {
	DeciValue int32 `json:"deci_value"`
	TS        int64 `json:"ts_ms"`
}

// ---- Gatekeeper ----

type GatekeeperEnroll struct {
	UID         uint32 `json:"uid"`
	Password    []byte `json:"password"`
	OldHandle   []byte `json:"old_handle,omitempty"`
	OldPassword []byte `json:"old_password,omitempty"`
}

type GatekeeperVerify struct {
	UID       uint32 `json:"uid"`
	Challenge uint64 `json:"challenge"`
	Handle    []byte `json:"handle"`
	Password  []byte `json:"password"`
}

type GatekeeperResult struct {
	Handle     []byte `json:"handle,omitempty"`
	Token      []byte `json:"token,omitempty"`
	RetryAfter int64  `json:"retry_after_ms,omitempty"`
}
