package model

import (
	"fmt"
	"strings"
)

// Status is the operational state of a machine.
type Status string

const (
	StatusAvailable     Status = "available"
	StatusPaidFor       Status = "paidFor"
	StatusInUse         Status = "inUse"
	StatusPendingUnload Status = "pendingUnload"
	StatusOutOfOrder    Status = "outOfOrder"
)

// Statuses lists every valid status in display order.
var Statuses = []Status{
	StatusAvailable,
	StatusPaidFor,
	StatusInUse,
	StatusPendingUnload,
	StatusOutOfOrder,
}

// Valid reports whether s is one of Statuses.
func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

// ParseStatus converts the wire representation into a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.TrimSpace(raw))
	if !s.Valid() {
		return "", fmt.Errorf("invalid status %q", raw)
	}
	return s, nil
}

// MachineType distinguishes washers from dryers.
type MachineType string

const (
	TypeWasher MachineType = "washer"
	TypeDryer  MachineType = "dryer"
)

// Letter returns the id letter for the type.
func (t MachineType) Letter() string {
	if t == TypeDryer {
		return "D"
	}
	return "W"
}

// ParseMachineType accepts "washer"/"dryer" or the id letters "W"/"D".
func ParseMachineType(raw string) (MachineType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "washer", "w":
		return TypeWasher, nil
	case "dryer", "d":
		return TypeDryer, nil
	}
	return "", fmt.Errorf("invalid machine type %q", raw)
}

func typeFromLetter(letter string) MachineType {
	if letter == "D" {
		return TypeDryer
	}
	return TypeWasher
}
