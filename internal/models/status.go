package models

import (
	"github.com/pkg/errors"
)

// Status is the persisted order lifecycle state (column situacao_pedido).
// The string values are the ones already stored by the existing backend.
type Status string

const (
	StatusConfirmed        Status = "pedido_confirmado"
	StatusReadyForDispatch Status = "pronto_envio"
	StatusInTransit        Status = "enviado"
	StatusDelivered        Status = "entrega_realizada"
	StatusDeliveryFailed   Status = "entrega_sem_sucesso"
	StatusReturnedToSender Status = "devolvido_remetente"
	StatusDamaged          Status = "avariado"
	StatusLost             Status = "extravio"
)

var statusNames = map[Status]string{
	StatusConfirmed:        "confirmed",
	StatusReadyForDispatch: "ready_for_dispatch",
	StatusInTransit:        "in_transit",
	StatusDelivered:        "delivered",
	StatusDeliveryFailed:   "delivery_failed",
	StatusReturnedToSender: "returned_to_sender",
	StatusDamaged:          "damaged",
	StatusLost:             "lost",
}

// AllStatuses lists every state in lifecycle order.
func AllStatuses() []Status {
	return []Status{
		StatusConfirmed,
		StatusReadyForDispatch,
		StatusInTransit,
		StatusDelivered,
		StatusDeliveryFailed,
		StatusReturnedToSender,
		StatusDamaged,
		StatusLost,
	}
}

// ParseStatus accepts either the stored value ("enviado") or the state name ("in_transit").
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := statusNames[st]; ok {
		return st, nil
	}
	for k, name := range statusNames {
		if name == s {
			return k, nil
		}
	}
	return "", errors.Wrapf(ErrInvalidStatus, "%q", s)
}

func (s Status) Validate() error {
	if _, ok := statusNames[s]; !ok {
		return errors.Wrapf(ErrInvalidStatus, "%q", string(s))
	}
	return nil
}

// Name returns the state name, e.g. "in_transit".
func (s Status) Name() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return string(s)
}

func (s Status) String() string { return string(s) }

func (s Status) IsTerminal() bool {
	switch s {
	case StatusDelivered, StatusDeliveryFailed, StatusReturnedToSender, StatusDamaged, StatusLost:
		return true
	default:
		return false
	}
}

// ClosesDelivery reports whether reaching s stamps data_entrega and ends tracking.
func (s Status) ClosesDelivery() bool {
	return s == StatusDelivered || s == StatusDeliveryFailed
}
