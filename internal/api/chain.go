package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"FlowACP-Chain/internal/chain"
	"FlowACP-Chain/internal/indexer"
	"FlowACP-Chain/internal/web3"
)

type headView struct {
	Number uint64    `json:"number"`
	Time   time.Time `json:"time"`
}

type chainView struct {
	ChainID  string               `json:"chain_id"`
	Head     headView             `json:"head"`
	External []web3.ChainSnapshot `json:"external,omitempty"`
}

func (s *Server) handleChain(w http.ResponseWriter, r *http.Request) {
	head := s.deps.Runtime.Head()
	view := chainView{
		ChainID: s.deps.Runtime.ChainID().String(),
		Head:    headView{Number: head.Number, Time: head.Time},
	}
	if s.deps.Chains != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		view.External = s.deps.Chains.Snapshots(ctx)
	}
	writeJSON(w, http.StatusOK, view)
}

// handleEvents 优先从索引存储查询历史事件，未配置存储时直接读取运行时日志。
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	from, err := queryUint(r, "from", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := queryUint(r, "limit", 50)
	if err != nil {
		writeError(w, err)
		return
	}
	if limit == 0 {
		limit = 50
	}
	opts := indexer.ListOptions{
		FromIndex: from,
		Contract:  strings.TrimSpace(r.URL.Query().Get("contract")),
		Name:      strings.TrimSpace(r.URL.Query().Get("name")),
		Limit:     int(min(limit, 500)),
	}

	if s.deps.Events == nil {
		writeJSON(w, http.StatusOK, filterRuntimeEvents(s.deps.Runtime.Events(from, 0), opts))
		return
	}
	records, err := s.deps.Events.List(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []indexer.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func filterRuntimeEvents(all []chain.Event, opts indexer.ListOptions) []chain.Event {
	out := make([]chain.Event, 0, opts.Limit)
	for _, evt := range all {
		if len(out) >= opts.Limit {
			break
		}
		if evt.Index < opts.FromIndex {
			continue
		}
		if opts.Contract != "" && evt.Contract != opts.Contract {
			continue
		}
		if opts.Name != "" && evt.Name != opts.Name {
			continue
		}
		out = append(out, evt)
	}
	return out
}
