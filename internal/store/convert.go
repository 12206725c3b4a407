package store

import "stayuptodo-laundry/internal/model"

func recordFromMachine(m model.Machine) model.MachineRecord {
	r := model.MachineRecord{
		ID:          m.ID,
		BlockNumber: m.BlockNumber,
		Status:      string(m.Status),
	}
	if m.EstimatedFinishTime != nil {
		ft := m.EstimatedFinishTime.UTC()
		r.EstimatedFinishTime = &ft
	}
	if m.TelegramMessage != nil {
		text := m.TelegramMessage.Message
		r.TelegramMessage = &text
		if m.TelegramMessage.MessageURL != nil {
			u := *m.TelegramMessage.MessageURL
			r.TelegramMessageURL = &u
		}
	}
	return r
}

func machineFromRecord(r model.MachineRecord, history []model.StatusHistoryEntry) model.Machine {
	if history == nil {
		history = []model.StatusHistoryEntry{}
	}
	m := model.Machine{
		ID:            r.ID,
		BlockNumber:   r.BlockNumber,
		Status:        model.Status(r.Status),
		StatusHistory: history,
	}
	if r.EstimatedFinishTime != nil {
		ft := r.EstimatedFinishTime.UTC()
		m.EstimatedFinishTime = &ft
	}
	if r.TelegramMessage != nil {
		m.TelegramMessage = &model.TelegramMessage{Message: *r.TelegramMessage}
		if r.TelegramMessageURL != nil {
			u := *r.TelegramMessageURL
			m.TelegramMessage.MessageURL = &u
		}
	}
	return m
}
