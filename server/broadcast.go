package server

import (
	"strings"

	"github.com/teranos/scribe/notify"
	"github.com/teranos/scribe/pulse/async"
	"github.com/teranos/scribe/pulse/budget"
)

// runBroadcastWorker is the only goroutine that sends on or closes client
// channels.
func (s *ScribeServer) runBroadcastWorker() {
	for {
		select {
		case <-s.ctx.Done():
			s.logger.Debugw("Broadcast worker stopping due to context cancellation")
			return
		case req := <-s.broadcastReq:
			switch req.reqType {
			case "event":
				s.broadcastEvent(req.event)
			case "close":
				req.client.close()
			}
		}
	}
}

// broadcastEvent sends e to every client whose filter matches. Returns the
// number of clients that accepted it.
func (s *ScribeServer) broadcastEvent(e notify.Event) int {
	owner := eventClientID(e)

	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.mu.RUnlock()

	sent := 0
	for _, client := range clients {
		if f := client.filter(); f != "" && owner != "" && f != owner {
			continue
		}
		select {
		case client.sendMsg <- e:
			sent++
		default:
			s.broadcastDrops.Add(1)
			s.removeSlowClient(client)
		}
	}
	return sent
}

// eventClientID returns the CRM client an event belongs to, or "" for
// system-wide events every client receives.
func eventClientID(e notify.Event) string {
	switch data := e.Data.(type) {
	case *async.Job:
		return data.ClientID
	case async.Failure:
		return data.ClientID
	case budget.Alert:
		if id, ok := strings.CutPrefix(string(data.Scope), string(budget.KindClient)+":"); ok {
			return id
		}
	}
	return ""
}

// startJobUpdateBroadcaster subscribes to queue transitions and streams
// them as job.updated events
func (s *ScribeServer) startJobUpdateBroadcaster() {
	queue := s.app.Queue
	jobChan := queue.Subscribe()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// Unsubscribe before close; closing while subscribed could panic on send
		defer func() {
			queue.Unsubscribe(jobChan)
			close(jobChan)
		}()

		for {
			select {
			case <-s.ctx.Done():
				s.logger.Debugw("Job update broadcaster stopping due to context cancellation")
				return
			case job := <-jobChan:
				s.Notify(s.ctx, notify.Event{Type: notify.EventJobUpdated, Data: job})
			}
		}
	}()

	s.logger.Infow("Job update broadcaster started")
}
