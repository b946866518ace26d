package utils

import (
	"fmt"
	"strings"
	"sync"

	"github.com/bwmarrin/snowflake"
)

// 币安 newClientOrderId 最长 36 个字符
const maxClientOrderIDLen = 36

// OrderIDGenerator 客户端订单ID生成器
// 格式: <prefix>_<B|S>_<snowflake>
type OrderIDGenerator struct {
	prefix string
	node   *snowflake.Node
}

var (
	defaultGenerator *OrderIDGenerator
	generatorOnce    sync.Once
)

// NewOrderIDGenerator 创建订单ID生成器，nodeID 取值 0-1023
func NewOrderIDGenerator(prefix string, nodeID int64) (*OrderIDGenerator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("创建 snowflake 节点失败: %w", err)
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "qg"
	}
	return &OrderIDGenerator{prefix: prefix, node: node}, nil
}

// Next 生成订单ID
func (g *OrderIDGenerator) Next(side string) string {
	s := "B"
	if strings.EqualFold(side, "SELL") {
		s = "S"
	}
	id := fmt.Sprintf("%s_%s_%s", g.prefix, s, g.node.Generate().String())
	if len(id) > maxClientOrderIDLen {
		id = id[:maxClientOrderIDLen]
	}
	return id
}

// GenerateOrderID 使用默认生成器生成订单ID
func GenerateOrderID(side string) string {
	generatorOnce.Do(func() {
		defaultGenerator, _ = NewOrderIDGenerator("qg", 1)
	})
	return defaultGenerator.Next(side)
}

// ParseOrderSide 从订单ID中解析方向
func ParseOrderSide(clientOrderID string) (string, bool) {
	parts := strings.Split(clientOrderID, "_")
	if len(parts) != 3 {
		return "", false
	}
	switch parts[1] {
	case "B":
		return "BUY", true
	case "S":
		return "SELL", true
	}
	return "", false
}
