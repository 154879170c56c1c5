package database

// PacketIDManager hands out packet identifiers in sequence, wrapping from 65535 to 1
// and skipping identifiers that are still in flight. The owner serializes access.
type PacketIDManager struct {
	LastID uint16 `bson:"last_id" json:"last_id"`
}

// NextID 获取下一个可用ID
func (m *PacketIDManager) NextID(inUse func(id uint16) bool) (uint16, error) {
	id := m.LastID
	for range 0xFFFF {
		id++
		if id == 0 { // 溢出处理
			id = 1
		}
		if inUse == nil || !inUse(id) {
			m.LastID = id
			return id, nil
		}
	}
	return 0, ErrNoPacketID
}
