package mqtt

import "strings"

// <prefix>/<clientId>/ 下的主题类型
const (
	KindUp     = "up"
	KindDown   = "down"
	KindStatus = "status"
)

// Topics 生成和解析设备主题 <prefix>/<clientId>/<kind>
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return "device"
	}
	return strings.TrimSuffix(t.Prefix, "/")
}

// Up 设备上行主题
func (t Topics) Up(clientID string) string {
	return t.prefix() + "/" + clientID + "/" + KindUp
}

// Down 设备下行命令主题
func (t Topics) Down(clientID string) string {
	return t.prefix() + "/" + clientID + "/" + KindDown
}

// Status 设备状态主题
func (t Topics) Status(clientID string) string {
	return t.prefix() + "/" + clientID + "/" + KindStatus
}

// UpWildcard 所有设备的上行主题
func (t Topics) UpWildcard() string {
	return t.prefix() + "/+/" + KindUp
}

// StatusWildcard 所有设备的状态主题
func (t Topics) StatusWildcard() string {
	return t.prefix() + "/+/" + KindStatus
}

// Parse 解析出 client id 和主题类型
func (t Topics) Parse(topic string) (clientID, kind string, ok bool) {
	rest := strings.TrimPrefix(topic, t.prefix()+"/")
	if rest == topic {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
