package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/go-ble/ble"
	"github.com/srg/mindlink/internal/device"
	goble "github.com/srg/mindlink/internal/device/go-ble"
)

// txPowerUnavailable is what radios report when the advertisement omits TX power
const txPowerUnavailable = 127

// AdvertisementBuilder builds mocked advertisements. Every ble.Advertisement
// method gets an expectation, so scanners may read any field; unset fields
// answer like an advertisement that omitted them.
type AdvertisementBuilder struct {
	Name             string            `json:"name"`
	Address          string            `json:"address"`
	RSSI             int               `json:"rssi"`
	Services         []string          `json:"services"`
	ManufacturerData []byte            `json:"manufacturerData"`
	ServiceData      map[string][]byte `json:"serviceData"`
	TxPower          *int              `json:"txPower"`
	Connectable      bool              `json:"connectable"`
}

// NewAdvertisementBuilder starts a connectable advertisement at -60 dBm
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{RSSI: -60, Connectable: true}
}

// NewHeadsetAdvertisement is a connectable headset advertising the serial stream service
func NewHeadsetAdvertisement(name, address string, rssi int) *AdvertisementBuilder {
	return NewAdvertisementBuilder().
		WithName(name).
		WithAddress(address).
		WithRSSI(rssi).
		WithServices(device.ServiceSerialStream)
}

func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.Name = name
	return b
}

func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.Address = addr
	return b
}

func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.RSSI = rssi
	return b
}

// WithServices adds service UUIDs in short ("FFE0") or full form
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.Services = append(b.Services, uuids...)
	return b
}

func (b *AdvertisementBuilder) WithManufacturerData(data []byte) *AdvertisementBuilder {
	b.ManufacturerData = data
	return b
}

func (b *AdvertisementBuilder) WithServiceData(uuid string, data []byte) *AdvertisementBuilder {
	if b.ServiceData == nil {
		b.ServiceData = make(map[string][]byte)
	}
	b.ServiceData[uuid] = data
	return b
}

func (b *AdvertisementBuilder) WithTxPower(power int) *AdvertisementBuilder {
	b.TxPower = &power
	return b
}

func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.Connectable = c
	return b
}

// FromJSON overlays the fields present in the JSON document. Panics on invalid
// JSON since it only runs during test setup.
func (b *AdvertisementBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	if err := json.Unmarshal([]byte(fmt.Sprintf(jsonStrFmt, args...)), b); err != nil {
		panic(fmt.Sprintf("AdvertisementBuilder.FromJSON: %v", err))
	}
	return b
}

// Build returns a mock implementing ble.Advertisement
func (b *AdvertisementBuilder) Build() *MockAdvertisement {
	adv := &MockAdvertisement{}

	var services []ble.UUID
	for _, s := range b.Services {
		services = append(services, ble.MustParse(s))
	}
	var serviceData []ble.ServiceData
	for uuid, data := range b.ServiceData {
		serviceData = append(serviceData, ble.ServiceData{UUID: ble.MustParse(uuid), Data: data})
	}
	txPower := txPowerUnavailable
	if b.TxPower != nil {
		txPower = *b.TxPower
	}

	addr := &MockAddr{}
	addr.On("String").Return(b.Address)

	adv.On("Addr").Return(addr)
	adv.On("LocalName").Return(b.Name)
	adv.On("RSSI").Return(b.RSSI)
	adv.On("Services").Return(services)
	adv.On("ManufacturerData").Return(b.ManufacturerData)
	adv.On("ServiceData").Return(serviceData)
	adv.On("Connectable").Return(b.Connectable)
	adv.On("TxPowerLevel").Return(txPower)
	return adv
}

// BuildAdvertisement wraps the built mock into a device.Advertisement
func (b *AdvertisementBuilder) BuildAdvertisement() device.Advertisement {
	return goble.NewAdvertisement(b.Build())
}
