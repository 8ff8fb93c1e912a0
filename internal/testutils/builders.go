package testutils

import "github.com/srg/bleserial/internal/transport"

// AdvertisementBuilder assembles a transport.Advertisement fluently.
type AdvertisementBuilder struct {
	adv transport.Advertisement
}

func NewAdvertisement() *AdvertisementBuilder {
	return &AdvertisementBuilder{
		adv: transport.Advertisement{Connectable: true, RSSI: -60},
	}
}

func (b *AdvertisementBuilder) WithLocalName(name string) *AdvertisementBuilder {
	b.adv.LocalName = name
	return b
}

func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.adv.ServiceUUIDs = append(b.adv.ServiceUUIDs, uuids...)
	return b
}

func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.adv.RSSI = rssi
	return b
}

func (b *AdvertisementBuilder) NotConnectable() *AdvertisementBuilder {
	b.adv.Connectable = false
	return b
}

func (b *AdvertisementBuilder) Build() transport.Advertisement {
	return b.adv
}

// PeripheralBuilder assembles a FakePeripheral with its GATT database.
type PeripheralBuilder struct {
	p       FakePeripheral
	current string
}

func NewPeripheral() *PeripheralBuilder {
	return &PeripheralBuilder{
		p: FakePeripheral{
			Advertisement:   NewAdvertisement().Build(),
			Characteristics: make(map[string][]transport.Characteristic),
		},
	}
}

func (b *PeripheralBuilder) WithAdvertisement(adv transport.Advertisement) *PeripheralBuilder {
	b.p.Advertisement = adv
	return b
}

func (b *PeripheralBuilder) WithConnectErr(err error) *PeripheralBuilder {
	b.p.ConnectErr = err
	return b
}

// WithService appends a service; subsequent WithCharacteristic calls attach
// to it.
func (b *PeripheralBuilder) WithService(uuid string) *PeripheralBuilder {
	b.p.Services = append(b.p.Services, transport.Service{UUID: uuid})
	b.current = uuid
	return b
}

func (b *PeripheralBuilder) WithCharacteristic(uuid string, props transport.Property) *PeripheralBuilder {
	if b.current == "" {
		panic("WithCharacteristic called before WithService")
	}
	b.p.Characteristics[b.current] = append(b.p.Characteristics[b.current], transport.Characteristic{
		UUID:        uuid,
		ServiceUUID: b.current,
		Properties:  props,
	})
	return b
}

func (b *PeripheralBuilder) Build() *FakePeripheral {
	p := b.p
	return &p
}

// SerialModule scripts the common case: an HM-10 style module advertising
// service ffe0 with a notify+write characteristic ffe1.
func SerialModule(name string) *FakePeripheral {
	return NewPeripheral().
		WithAdvertisement(NewAdvertisement().WithLocalName(name).WithServices("ffe0").Build()).
		WithService("ffe0").
		WithCharacteristic("ffe1", transport.PropertyNotify|transport.PropertyWriteWithoutResponse|transport.PropertyRead).
		Build()
}
