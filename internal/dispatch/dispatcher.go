// Package dispatch 把队列记录路由到对应动作类型的处理器。
//
// 动作类型是封闭集合 model.AllActionTypes，构造 Dispatcher 时必须为每个类型注册处理器。
// 处理器失败或 panic 只影响当前记录，结果统一折叠为 Result。
package dispatch

import (
	"context"
	"fmt"
	"time"

	"offlinesync/internal/model"

	"github.com/sirupsen/logrus"
)

// Action 交给处理器的一条队列记录
type Action struct {
	ID        string
	UserID    string
	Type      string
	Payload   []byte
	DeviceID  *string
	CreatedAt time.Time
}

// Result 单条记录的处理结果，Success 为 false 时 Error 非空
type Result struct {
	Success bool
	Data    map[string]interface{}
	Error   string
}

// Handler 执行一种动作类型的副作用
//
// 同一个 Action 重复执行时结果必须一致（以 Action.ID 作为幂等键）
type Handler func(ctx context.Context, action Action) (map[string]interface{}, error)

type Dispatcher struct {
	handlers map[model.ActionType]Handler
	schemas  schemaSet
	log      logrus.FieldLogger
}

// New 构造分发器，handlers 必须恰好覆盖 model.AllActionTypes
func New(handlers map[model.ActionType]Handler, log logrus.FieldLogger) (*Dispatcher, error) {
	for _, t := range model.AllActionTypes {
		if handlers[t] == nil {
			return nil, fmt.Errorf("动作类型 %s 未注册处理器", t)
		}
	}
	for t := range handlers {
		if _, ok := model.ParseActionType(string(t)); !ok {
			return nil, fmt.Errorf("未知的动作类型: %s", t)
		}
	}

	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}

	registry := make(map[model.ActionType]Handler, len(handlers))
	for t, h := range handlers {
		registry[t] = h
	}
	return &Dispatcher{handlers: registry, schemas: schemas, log: log}, nil
}

// Dispatch 处理一条记录，不会 panic，也不返回 error
func (d *Dispatcher) Dispatch(ctx context.Context, action Action) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			d.log.WithFields(logrus.Fields{
				"action_id":   action.ID,
				"action_type": action.Type,
				"user_id":     action.UserID,
			}).Errorf("处理器 panic: %v", r)
			result = Result{Error: fmt.Sprintf("Handler panic: %v", r)}
		}
	}()

	actionType, ok := model.ParseActionType(action.Type)
	if !ok {
		return Result{Error: fmt.Sprintf("Unknown action type: %s", action.Type)}
	}

	if err := d.schemas.validate(actionType, action.Payload); err != nil {
		return Result{Error: err.Error()}
	}

	data, err := d.handlers[actionType](ctx, action)
	if err != nil {
		d.log.WithFields(logrus.Fields{
			"action_id":   action.ID,
			"action_type": action.Type,
			"user_id":     action.UserID,
		}).Warnf("处理动作失败: %v", err)
		return Result{Error: err.Error()}
	}
	return Result{Success: true, Data: data}
}
