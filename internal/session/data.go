package session

import "time"

// Data is the persisted form of a non-clean session.
type Data struct {
	ClientID      string             `bson:"client_id"`
	Subscriptions []SubscriptionData `bson:"subscriptions"`
	Outbound      []PendingData      `bson:"outbound"`
	Inbound       []uint16           `bson:"inbound"`
	LastActivity  time.Time          `bson:"last_activity"`
}

// SubscriptionData keeps filters out of document keys, where '.' and '$' are not welcome.
type SubscriptionData struct {
	Filter string `bson:"filter"`
	QoS    byte   `bson:"qos"`
}

type PendingData struct {
	PacketID   uint16        `bson:"packet_id"`
	Topic      string        `bson:"topic"`
	Payload    []byte        `bson:"payload"`
	QoS        byte          `bson:"qos"`
	Retain     bool          `bson:"retain"`
	State      DeliveryState `bson:"state"`
	RetryCount int           `bson:"retry_count"`
}

// Snapshot copies the session into its persisted form.
func (s *Session) Snapshot() *Data {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := &Data{
		ClientID:      s.ClientID,
		Subscriptions: make([]SubscriptionData, 0, len(s.subscriptions)),
		Outbound:      make([]PendingData, 0, len(s.outbound)),
		Inbound:       make([]uint16, 0, len(s.inbound)),
		LastActivity:  s.lastActivity,
	}
	for filter, qos := range s.subscriptions {
		data.Subscriptions = append(data.Subscriptions, SubscriptionData{Filter: filter, QoS: qos})
	}
	for _, pd := range s.pendingInOrder() {
		data.Outbound = append(data.Outbound, PendingData{
			PacketID:   pd.PacketID,
			Topic:      pd.Message.Topic,
			Payload:    pd.Message.Payload,
			QoS:        pd.Message.QoS,
			Retain:     pd.Message.Retain,
			State:      pd.State,
			RetryCount: pd.RetryCount,
		})
	}
	for id, state := range s.inbound {
		if state == AwaitPubrel {
			data.Inbound = append(data.Inbound, id)
		}
	}
	return data
}

// Restore loads persisted state into a fresh session. Outbound order is kept.
func (s *Session) Restore(data *Data) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range data.Subscriptions {
		s.subscriptions[sub.Filter] = sub.QoS
	}
	for _, pd := range data.Outbound {
		if pd.PacketID == 0 {
			continue
		}
		s.seq++
		s.ids.Reserve(pd.PacketID)
		s.outbound[pd.PacketID] = &PendingDelivery{
			PacketID:   pd.PacketID,
			Message:    Message{Topic: pd.Topic, Payload: pd.Payload, QoS: pd.QoS, Retain: pd.Retain},
			State:      pd.State,
			RetryCount: pd.RetryCount,
			seq:        s.seq,
		}
	}
	for _, id := range data.Inbound {
		s.inbound[id] = AwaitPubrel
	}
	if !data.LastActivity.IsZero() {
		s.lastActivity = data.LastActivity
	}
}
