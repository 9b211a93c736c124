package service

import (
	"fmt"
	"strings"

	"github.com/langchou/viperbridge/internal/api/identity"
)

// DefaultCredentialMappingVersion 默认凭据映射版本
const DefaultCredentialMappingVersion = 2

// VehicleCredentials 车辆账户凭据
type VehicleCredentials struct {
	Username string
	Password string
}

// CredentialMapping 身份属性到车辆凭据的映射，按顺序取第一个非空属性
type CredentialMapping struct {
	Version      int
	UsernameKeys []string
	PasswordKeys []string
}

var credentialMappings = map[int]CredentialMapping{
	1: {
		Version:      1,
		UsernameKeys: []string{"custom:viper_username", "email"},
		PasswordKeys: []string{"custom:viper_password"},
	},
	2: {
		Version:      2,
		UsernameKeys: []string{"custom:viper_username", "custom_viper_username", "email"},
		PasswordKeys: []string{"custom:viper_password", "custom_viper_password"},
	},
}

// CredentialMappingFor 按版本获取映射
func CredentialMappingFor(version int) (CredentialMapping, error) {
	m, ok := credentialMappings[version]
	if !ok {
		return CredentialMapping{}, fmt.Errorf("unknown credential mapping version %d", version)
	}
	return m, nil
}

// Extract 从身份属性中提取凭据，缺任何一项都返回 ErrCredentialsMissing
func (m CredentialMapping) Extract(subject *identity.Subject) (VehicleCredentials, error) {
	username, ok := firstAttribute(subject, m.UsernameKeys)
	if !ok {
		return VehicleCredentials{}, fmt.Errorf("%w: no username attribute (mapping v%d, keys %s)",
			ErrCredentialsMissing, m.Version, strings.Join(m.UsernameKeys, ","))
	}
	password, ok := firstAttribute(subject, m.PasswordKeys)
	if !ok {
		return VehicleCredentials{}, fmt.Errorf("%w: no password attribute (mapping v%d, keys %s)",
			ErrCredentialsMissing, m.Version, strings.Join(m.PasswordKeys, ","))
	}
	return VehicleCredentials{Username: username, Password: password}, nil
}

func firstAttribute(subject *identity.Subject, keys []string) (string, bool) {
	for _, k := range keys {
		if v, ok := subject.Attribute(k); ok {
			return v, true
		}
	}
	return "", false
}
