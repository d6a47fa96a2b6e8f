// Package validator 实现节点身份校验
//
// 节点进入路由表之前，必须证明其公钥与身份匹配。公钥由应用层
// 通过 KeyRequester 提供；未配置时身份按自证方式校验
// （NodeID 必须等于公钥的派生值）。
package validator

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/dep2p/go-overlay/pkg/lib/log"
	"github.com/dep2p/go-overlay/pkg/types"
)

var logger = log.Logger("routing/validator")

// DefaultTimeout 默认校验超时
const DefaultTimeout = 5 * time.Second

// KeyRequester 向应用层请求节点公钥
//
// 返回错误表示拒绝。实现可以阻塞，调用方负责超时。
type KeyRequester func(ctx context.Context, id types.NodeID) (ed25519.PublicKey, error)

// Validator 节点校验器
type Validator struct {
	requester KeyRequester
	timeout   time.Duration
}

// New 创建校验器
func New(requester KeyRequester, timeout time.Duration) *Validator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Validator{
		requester: requester,
		timeout:   timeout,
	}
}

// Validate 校验节点身份
//
// 零身份永远不通过校验。公钥缺失、应用层拒绝、公钥不匹配或超时
// 都返回 ErrValidationFailed。
func (v *Validator) Validate(ctx context.Context, info types.PeerInfo) error {
	if info.NodeID.IsZero() {
		return fail("anonymous node")
	}
	if len(info.PublicKey) != ed25519.PublicKeySize {
		return fail("missing public key")
	}

	if v.requester == nil {
		if types.DeriveNodeID(info.PublicKey) != info.NodeID {
			return fail("identity does not match public key")
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	type result struct {
		pub ed25519.PublicKey
		err error
	}
	ch := make(chan result, 1)
	go func() {
		pub, err := v.requester(ctx, info.NodeID)
		ch <- result{pub: pub, err: err}
	}()

	select {
	case <-ctx.Done():
		logger.Debug("请求公钥超时", "peer", info.NodeID.ShortString())
		return fail("public key request timed out")
	case r := <-ch:
		if r.err != nil {
			logger.Debug("应用层拒绝节点", "peer", info.NodeID.ShortString(), "error", r.err)
			return fail(r.err.Error())
		}
		if !bytes.Equal(r.pub, info.PublicKey) {
			return fail("public key mismatch")
		}
		return nil
	}
}

func fail(reason string) error {
	return fmt.Errorf("%w: %s", types.ErrValidationFailed, reason)
}
