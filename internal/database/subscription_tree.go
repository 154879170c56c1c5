package database

import (
	"strings"

	"github.com/w0otness/opifex/internal/topics"
)

// topicTreeNode 主题订阅树节点
type topicTreeNode struct {
	// 直接子节点（精确匹配）
	// 示例：sport/football 的直接子节点是 live（对应路径 sport/football/live）
	children map[string]*topicTreeNode

	// 通配符子节点
	wildcardPlus *topicTreeNode          // "+" 通配符子节点（单层）
	wildcardHash map[string]Subscription // "#" 通配符订阅（多层）, key=clientID

	// 终端订阅者（当前路径的精确匹配订阅）
	terminals map[string]Subscription
}

func newTopicTreeNode() *topicTreeNode {
	return &topicTreeNode{
		children:     map[string]*topicTreeNode{},
		wildcardHash: map[string]Subscription{},
		terminals:    map[string]Subscription{},
	}
}

func (node *topicTreeNode) empty() bool {
	return len(node.children) == 0 && node.wildcardPlus == nil && len(node.wildcardHash) == 0 && len(node.terminals) == 0
}

// topicTree indexes subscriptions by filter level. Callers provide locking.
type topicTree struct {
	root *topicTreeNode
}

func newTopicTree() *topicTree {
	return &topicTree{root: newTopicTreeNode()}
}

// insert adds or replaces the subscription of its client on its filter.
func (tree *topicTree) insert(subscription Subscription) {
	levels := topics.Levels(subscription.TopicName)
	node := tree.root
	for i, level := range levels {
		switch {
		case level == topics.MultiLevelWildcard && i == len(levels)-1:
			node.wildcardHash[subscription.ClientID] = subscription
			return
		case level == topics.SingleLevelWildcard:
			if node.wildcardPlus == nil {
				node.wildcardPlus = newTopicTreeNode()
			}
			node = node.wildcardPlus
		default:
			child, ok := node.children[level]
			if !ok {
				child = newTopicTreeNode()
				node.children[level] = child
			}
			node = child
		}
	}
	node.terminals[subscription.ClientID] = subscription
}

// remove deletes the client's subscription on topicFilter and prunes empty nodes.
func (tree *topicTree) remove(clientID string, topicFilter string) bool {
	levels := topics.Levels(topicFilter)
	path := []*topicTreeNode{tree.root}
	node := tree.root
	removed := false

	for i, level := range levels {
		if level == topics.MultiLevelWildcard && i == len(levels)-1 {
			_, removed = node.wildcardHash[clientID]
			delete(node.wildcardHash, clientID)
			break
		}
		if level == topics.SingleLevelWildcard {
			node = node.wildcardPlus
		} else {
			node = node.children[level]
		}
		if node == nil {
			return false
		}
		path = append(path, node)
		if i == len(levels)-1 {
			_, removed = node.terminals[clientID]
			delete(node.terminals, clientID)
		}
	}

	// 自底向上删除空节点
	for i := len(path) - 1; i > 0; i-- {
		if !path[i].empty() {
			break
		}
		parent := path[i-1]
		if parent.wildcardPlus == path[i] {
			parent.wildcardPlus = nil
			continue
		}
		for level, child := range parent.children {
			if child == path[i] {
				delete(parent.children, level)
				break
			}
		}
	}
	return removed
}

// removeClient deletes every subscription of clientID.
func (tree *topicTree) removeClient(clientID string) {
	tree.root.removeClient(clientID)
}

func (node *topicTreeNode) removeClient(clientID string) {
	delete(node.terminals, clientID)
	delete(node.wildcardHash, clientID)
	for level, child := range node.children {
		child.removeClient(clientID)
		if child.empty() {
			delete(node.children, level)
		}
	}
	if node.wildcardPlus != nil {
		node.wildcardPlus.removeClient(clientID)
		if node.wildcardPlus.empty() {
			node.wildcardPlus = nil
		}
	}
}

// match collects every subscription whose filter matches topic.
func (tree *topicTree) match(topic string) []Subscription {
	// 拆分发布主题为层级数组
	levels := topics.Levels(topic)
	system := strings.HasPrefix(topic, "$")
	var results []Subscription

	queue := []*topicTreeNode{tree.root}
	for i, currentLevel := range levels {
		// 以 $ 开头的主题不匹配首层通配符
		wildcards := i > 0 || !system
		var nextQueue []*topicTreeNode

		// 遍历当前层所有可能匹配的节点
		for _, node := range queue {
			// 1. 收集当前节点的 # 通配符订阅
			if wildcards {
				results = appendSubscriptions(results, node.wildcardHash)
			}
			// 2. 精确匹配子节点
			if child, ok := node.children[currentLevel]; ok {
				nextQueue = append(nextQueue, child)
			}
			// 3. 处理 + 通配符子节点
			if wildcards && node.wildcardPlus != nil {
				nextQueue = append(nextQueue, node.wildcardPlus)
			}
		}

		queue = nextQueue
		if len(queue) == 0 {
			return results
		}
	}

	// 4. 收集终端节点的精确订阅, "a/#" 同样匹配 "a"
	for _, node := range queue {
		results = appendSubscriptions(results, node.terminals)
		results = appendSubscriptions(results, node.wildcardHash)
	}
	return results
}

func appendSubscriptions(dst []Subscription, src map[string]Subscription) []Subscription {
	for _, subscription := range src {
		dst = append(dst, subscription)
	}
	return dst
}
