package viper

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Command 上游支持的指令
type Command string

const (
	CommandArm    Command = "arm"
	CommandDisarm Command = "disarm"
	CommandRemote Command = "remote" // 远程启动/熄火共用，上游按切换处理
	CommandTrunk  Command = "trunk"
	CommandPanic  Command = "panic"
)

// Valid 检查指令是否在上游支持的集合内
func (c Command) Valid() bool {
	switch c {
	case CommandArm, CommandDisarm, CommandRemote, CommandTrunk, CommandPanic:
		return true
	}
	return false
}

// Profile 账户资料
type Profile struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Username  string `json:"username"`
}

// LoginResult 登录结果
type LoginResult struct {
	Token   string  `json:"-"`
	UserID  string  `json:"user_id"`
	Profile Profile `json:"profile"`
}

// Vehicle 车辆信息（每次从上游实时获取，不持久化）
type Vehicle struct {
	DeviceID          string          `json:"device_id"`
	AssetID           string          `json:"asset_id"`
	AirID             string          `json:"air_id"`
	Name              string          `json:"name"`
	Model             string          `json:"model"`
	Year              string          `json:"year"`
	Make              string          `json:"make"`
	Status            string          `json:"status"`
	LastKnownLocation json.RawMessage `json:"last_known_location,omitempty"`
	LastKnownAddress  string          `json:"last_known_address"`
	IsLocked          bool            `json:"is_locked"`
	IsOnline          bool            `json:"is_online"`
	EngineRunning     bool            `json:"engine_running"`
}

// CommandAck 指令回执
type CommandAck struct {
	DeviceID int64           `json:"device_id"`
	Command  Command         `json:"command"`
	Response json.RawMessage `json:"response,omitempty"`
}

// flexString 兼容上游字段时而为字符串、时而为数字的情况
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*s = flexString(n.String())
	return nil
}

// apiResponse 通用响应外壳
type apiResponse struct {
	Results json.RawMessage `json:"results"`
}

type loginResults struct {
	AuthToken *struct {
		AccessToken string `json:"accessToken"`
	} `json:"authToken"`
	User *struct {
		ID        flexString `json:"id"`
		FirstName string     `json:"firstName"`
		LastName  string     `json:"lastName"`
		Email     string     `json:"email"`
		Username  string     `json:"username"`
	} `json:"user"`
}

type devicesResults struct {
	Devices []device `json:"devices"`
}

// device 上游设备 JSON
type device struct {
	ID                flexString      `json:"id"`
	AssetID           flexString      `json:"assetId"`
	AirID             flexString      `json:"airId"`
	Name              string          `json:"name"`
	VehicleModel      string          `json:"vehicleModel"`
	VehicleYear       flexString      `json:"vehicleYear"`
	VehicleMake       string          `json:"vehicleMake"`
	Status            string          `json:"status"`
	LastKnownLocation json.RawMessage `json:"lastKnownLocation"`
	LastKnownAddress  flexString      `json:"lastKnownAddress"`
	IgnitionOn        json.RawMessage `json:"ignitionOn"`
}

// toVehicle 设备 JSON 转车辆，计算派生字段
func (d device) toVehicle() Vehicle {
	v := Vehicle{
		DeviceID:         string(d.ID),
		AssetID:          string(d.AssetID),
		AirID:            string(d.AirID),
		Name:             orDefault(d.Name, "My Vehicle"),
		Model:            orDefault(d.VehicleModel, "Unknown Model"),
		Year:             string(d.VehicleYear),
		Make:             d.VehicleMake,
		Status:           orDefault(d.Status, "unknown"),
		LastKnownAddress: string(d.LastKnownAddress),
		IsOnline:         strings.ToLower(d.Status) == "activewithmobile",
	}
	if len(d.LastKnownLocation) > 0 && !bytes.Equal(d.LastKnownLocation, []byte("null")) {
		v.LastKnownLocation = d.LastKnownLocation
	}
	// 字段缺失视为未上锁；显式 null 视为点火关闭
	if len(d.IgnitionOn) > 0 {
		var on bool
		_ = json.Unmarshal(d.IgnitionOn, &on)
		v.IsLocked = !on
		v.EngineRunning = on
	}
	return v
}

// commandRequest 指令请求体，param 固定为 null
type commandRequest struct {
	DeviceID int64   `json:"deviceId"`
	Command  Command `json:"command"`
	Param    *string `json:"param"`
}

// ParseDeviceID 解析数字设备 ID
func ParseDeviceID(deviceID string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(deviceID), 10, 64)
	if err != nil {
		return 0, ErrInvalidTarget
	}
	return id, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
