// Package orderstate 定义订单主状态与合法迁移表。
//
// 所有写订单状态的路径都先经过 CanTransition；非法迁移返回 ErrInvalidTransition 且不落库。
package orderstate

import (
	"errors"
	"fmt"
)

type Status string

const (
	Unpaid        Status = "unpaid"
	Paid          Status = "paid"
	Shooting      Status = "shooting"
	Processing    Status = "processing"
	Pending       Status = "pending"
	Manufacturing Status = "manufacturing"
	Completed     Status = "completed"
	HDReady       Status = "hd_ready"
	Shipped       Status = "shipped"
	Delivered     Status = "delivered"
	Cancelled     Status = "cancelled"
)

var ErrInvalidTransition = errors.New("订单状态不允许此操作")

// 打印派发子状态，不影响主状态。
const (
	DispatchNotSent     = "not_sent"
	DispatchSending     = "sending"
	DispatchSentSuccess = "sent_success"
	DispatchSentFailed  = "sent_failed"
)

var transitions = map[Status][]Status{
	Unpaid:        {Paid, Shooting, Cancelled},
	Paid:          {Shooting, Cancelled},
	Shooting:      {Processing, Cancelled},
	Processing:    {Pending, Cancelled},
	Pending:       {Manufacturing, Cancelled},
	Manufacturing: {HDReady, Completed},
	Completed:     {HDReady},
	HDReady:       {Shipped},
	Shipped:       {Delivered},
}

func Parse(raw string) (Status, bool) {
	s := Status(raw)
	switch s {
	case Unpaid, Paid, Shooting, Processing, Pending, Manufacturing, Completed, HDReady, Shipped, Delivered, Cancelled:
		return s, true
	default:
		return "", false
	}
}

func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Check 包装 CanTransition，返回带上下文的 ErrInvalidTransition。
func Check(from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// PreProduction 表示尚未进入生产环节，可取消、可替换照片。
func PreProduction(s Status) bool {
	switch s {
	case Unpaid, Paid, Shooting, Processing, Pending:
		return true
	default:
		return false
	}
}

// AcceptsUpload 表示允许写入原图的状态。
func AcceptsUpload(s Status) bool {
	return s == Unpaid || s == Paid || s == Shooting
}

// CleanImageVisible 表示客户可以看到无水印图。
func CleanImageVisible(s Status) bool {
	switch s {
	case Manufacturing, Completed, HDReady, Shipped, Delivered:
		return true
	default:
		return false
	}
}

func Terminal(s Status) bool {
	return s == Cancelled || s == Delivered
}
