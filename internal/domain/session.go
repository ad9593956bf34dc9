// Package domain contains entities without logic, just meta-data.
package domain

import (
	"errors"

	"github.com/go-playground/validator/v10"
)

// MaxNameLen caps a downstream display name, in runes.
const MaxNameLen = 32

var (
	ErrDescriptorInvalid = errors.New("descriptor missing id or key")
)

var validate = validator.New()

// Descriptor is the payload a recording agent sends in its IDENTIFY
// frame: session identity, the secret downstream lookups are checked
// against, capability flags and display metadata.
type Descriptor struct {
	ID                string `json:"id" validate:"required"`
	Key               string `json:"key" validate:"required"`
	ShardOrdinal      int    `json:"shardOrdinal"`
	ClientID          string `json:"clientId"`
	ClientName        string `json:"clientName,omitempty"`
	FlacEnabled       bool   `json:"flacEnabled"`
	ContinuousEnabled bool   `json:"continuousEnabled"`
	ServerName        string `json:"serverName"`
	ServerIcon        string `json:"serverIcon,omitempty"`
	ChannelName       string `json:"channelName"`
	ChannelType       int    `json:"channelType"`
}

func (d *Descriptor) Validate() error {
	if err := validate.Struct(d); err != nil {
		return errors.Join(ErrDescriptorInvalid, err)
	}
	return nil
}
