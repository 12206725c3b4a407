package model

import "time"

// PushSubscription holds the information for a browser push subscription.
type PushSubscription struct {
	Endpoint  string    `gorm:"primaryKey"`
	P256DH    string    `gorm:"column:p256dh;not null"`
	Auth      string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`

	// Associations
	Machines []SubscriptionMachine `gorm:"foreignKey:Endpoint;references:Endpoint;constraint:OnDelete:CASCADE"`
}

// SubscriptionMachine maps a subscription to a machine it watches. Machines
// live in the registry, so the machine id is not a foreign key.
type SubscriptionMachine struct {
	Endpoint  string `gorm:"primaryKey"`
	MachineID string `gorm:"primaryKey;size:16;index"`
}

func (SubscriptionMachine) TableName() string { return "subscription_machine_mapping" }
