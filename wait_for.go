package TxnDB

// WaitForGraph 等待图：边 T1->T2 表示T1的未决锁请求被T2持有的授权阻塞。
// 以事务id为键的邻接表结构，只用于死锁检测，由LockManager在自己的锁内维护。
type WaitForGraph struct {
	// txnID -> 它正在等待的事务集合
	edges map[uint64]map[uint64]struct{}
	// txnID -> 进入等待状态的次序，受害者选择用
	waitSince map[uint64]uint64
}

func NewWaitForGraph() *WaitForGraph {
	return &WaitForGraph{
		edges:     make(map[uint64]map[uint64]struct{}),
		waitSince: make(map[uint64]uint64),
	}
}

// AddEdge 添加一条等待边
func (g *WaitForGraph) AddEdge(from, to uint64) {
	if from == to {
		return
	}
	if _, ok := g.edges[from]; !ok {
		g.edges[from] = make(map[uint64]struct{})
	}
	g.edges[from][to] = struct{}{}
}

// SetWaiting 记录事务进入等待状态的次序
func (g *WaitForGraph) SetWaiting(txnID uint64, waitSeq uint64) {
	g.waitSince[txnID] = waitSeq
}

// ClearOutgoing 清空一个事务的所有出边，重建边或者结束等待的时候调用
func (g *WaitForGraph) ClearOutgoing(txnID uint64) {
	delete(g.edges, txnID)
}

// EndWait 事务的请求被授权，退出等待状态：清掉出边和等待标记，入边保留
func (g *WaitForGraph) EndWait(txnID uint64) {
	delete(g.edges, txnID)
	delete(g.waitSince, txnID)
}

// RemoveTxn 将事务从图中完全移除，包括出边、入边和等待标记
func (g *WaitForGraph) RemoveTxn(txnID uint64) {
	delete(g.edges, txnID)
	delete(g.waitSince, txnID)
	for _, targets := range g.edges {
		delete(targets, txnID)
	}
}

// DetectCycle 深度优先搜索寻找环，找到环的时候返回环中最晚进入等待的事务作为受害者
func (g *WaitForGraph) DetectCycle() (uint64, bool) {
	visited := make(map[uint64]struct{})
	// 递归栈，同时记录路径用于取出环上的节点
	var stack []uint64
	onStack := make(map[uint64]struct{})

	var cycle []uint64
	var dfs func(txnID uint64) bool
	dfs = func(txnID uint64) bool {
		visited[txnID] = struct{}{}
		stack = append(stack, txnID)
		onStack[txnID] = struct{}{}

		for target := range g.edges[txnID] {
			if _, ok := onStack[target]; ok {
				// 检测到环，从栈上截取环上的事务
				for i := len(stack) - 1; i >= 0; i-- {
					cycle = append(cycle, stack[i])
					if stack[i] == target {
						break
					}
				}
				return true
			}
			if _, ok := visited[target]; !ok {
				if dfs(target) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		delete(onStack, txnID)
		return false
	}

	for txnID := range g.edges {
		if _, ok := visited[txnID]; ok {
			continue
		}
		if dfs(txnID) {
			break
		}
	}
	if len(cycle) == 0 {
		return 0, false
	}

	// 受害者策略：环中最晚进入等待状态的事务
	var victim uint64
	var latest uint64
	for _, txnID := range cycle {
		if since, ok := g.waitSince[txnID]; ok && since >= latest {
			latest = since
			victim = txnID
		}
	}
	if victim == 0 {
		victim = cycle[0]
	}
	return victim, true
}
