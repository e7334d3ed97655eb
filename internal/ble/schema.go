package ble

// ServiceState is the lifecycle state of a Service. It only moves
// forward: Building, Published, Retired.
type ServiceState int

const (
	ServiceBuilding ServiceState = iota
	ServicePublished
	ServiceRetired
)

func (s ServiceState) String() string {
	switch s {
	case ServiceBuilding:
		return "building"
	case ServicePublished:
		return "published"
	case ServiceRetired:
		return "retired"
	}
	return "unknown"
}

// A Characteristic is one attribute of the service. Its uuid, properties
// and permissions never change once created; its value is owned by the
// Peripheral and read through it.
type Characteristic struct {
	uuid    UUID
	props   Property
	perms   Permission
	value   []byte
	service *Service
}

func (c *Characteristic) UUID() UUID              { return c.uuid }
func (c *Characteristic) Properties() Property    { return c.props }
func (c *Characteristic) Permissions() Permission { return c.perms }
func (c *Characteristic) Service() *Service       { return c.service }

// Notifiable reports whether centrals may subscribe to the characteristic.
func (c *Characteristic) Notifiable() bool {
	return c.props.Any(PropNotify | PropIndicate)
}

// Value returns a copy of the initial value. Radios call it from
// Register; everything else goes through Peripheral.Value.
func (c *Characteristic) Value() []byte {
	return append([]byte(nil), c.value...)
}

// A Service is the single primary service of the peripheral. Its
// characteristic set is frozen once published.
type Service struct {
	uuid  UUID
	chars []*Characteristic
	index map[UUID]*Characteristic
	state ServiceState
}

func newService(u UUID) *Service {
	return &Service{uuid: u, index: make(map[UUID]*Characteristic)}
}

func (s *Service) UUID() UUID          { return s.uuid }
func (s *Service) State() ServiceState { return s.state }

// Characteristics returns the characteristics in insertion order.
func (s *Service) Characteristics() []*Characteristic {
	return append([]*Characteristic(nil), s.chars...)
}

// Characteristic looks up a characteristic by uuid.
func (s *Service) Characteristic(u UUID) (*Characteristic, bool) {
	c, ok := s.index[u]
	return c, ok
}

// SchemaBuilder accumulates the characteristics of one service before it
// is published. It is not safe for concurrent use; the Peripheral
// serializes access to it.
type SchemaBuilder struct {
	service *Service
}

// NewSchemaBuilder returns an empty builder.
func NewSchemaBuilder() *SchemaBuilder {
	return &SchemaBuilder{}
}

// Service returns the service under construction or published, or nil.
func (b *SchemaBuilder) Service() *Service {
	return b.service
}

// AddCharacteristic appends a characteristic to the service identified
// by serviceUUID, creating the service on first use. Unknown property and
// permission bits have already been dropped by the flag parsers.
func (b *SchemaBuilder) AddCharacteristic(serviceUUID, charUUID UUID, props Property, perms Permission) (*Characteristic, error) {
	svc, err := b.ensure(serviceUUID)
	if err != nil {
		if se, ok := err.(*SchemaError); ok {
			se.Characteristic = charUUID
		}
		return nil, err
	}
	if _, dup := svc.index[charUUID]; dup {
		return nil, &SchemaError{Kind: DuplicateUUID, Service: serviceUUID, Characteristic: charUUID}
	}
	c := &Characteristic{
		uuid:    charUUID,
		props:   props,
		perms:   perms,
		value:   []byte{},
		service: svc,
	}
	svc.chars = append(svc.chars, c)
	svc.index[charUUID] = c
	return c, nil
}

// AddCharacteristicValue is AddCharacteristic followed by
// SetInitialValue.
func (b *SchemaBuilder) AddCharacteristicValue(serviceUUID, charUUID UUID, props Property, perms Permission, value []byte) (*Characteristic, error) {
	c, err := b.AddCharacteristic(serviceUUID, charUUID, props, perms)
	if err != nil {
		return nil, err
	}
	c.value = append([]byte{}, value...)
	return c, nil
}

// SetInitialValue sets the value a characteristic is published with.
func (b *SchemaBuilder) SetInitialValue(charUUID UUID, value []byte) error {
	if b.service == nil {
		return &SchemaError{Kind: UnknownCharacteristic, Characteristic: charUUID}
	}
	if b.service.state != ServiceBuilding {
		return &SchemaError{Kind: AlreadyPublished, Service: b.service.uuid, Characteristic: charUUID}
	}
	c, ok := b.service.index[charUUID]
	if !ok {
		return &SchemaError{Kind: UnknownCharacteristic, Service: b.service.uuid, Characteristic: charUUID}
	}
	c.value = append([]byte{}, value...)
	return nil
}

// ensure returns the service being built, creating an empty one for
// serviceUUID if there is none.
func (b *SchemaBuilder) ensure(serviceUUID UUID) (*Service, error) {
	if b.service == nil {
		b.service = newService(serviceUUID)
		return b.service, nil
	}
	if b.service.state != ServiceBuilding {
		return nil, &SchemaError{Kind: AlreadyPublished, Service: b.service.uuid}
	}
	if b.service.uuid != serviceUUID {
		return nil, &SchemaError{Kind: ServiceMismatch, Service: serviceUUID}
	}
	return b.service, nil
}

// publish freezes the service being built.
func (b *SchemaBuilder) publish(serviceUUID UUID) (*Service, error) {
	svc, err := b.ensure(serviceUUID)
	if err != nil {
		return nil, err
	}
	svc.state = ServicePublished
	return svc, nil
}

// reset retires the current service, if any, and starts over.
func (b *SchemaBuilder) reset() {
	if b.service != nil && b.service.state == ServicePublished {
		b.service.state = ServiceRetired
	}
	b.service = nil
}
