package stratum

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kaspa-pool/kaspool/internal/shares"
	"github.com/kaspa-pool/kaspool/internal/templates"
)

// BroadcastJob pushes a newly inserted template to every authorized session
// as a mining.notify, in the header-encoding variant each session expects.
func (s *Server) BroadcastJob(jobID string, tpl *templates.Template, cleanJobs bool) {
	s.currentMu.Lock()
	s.currentJobID = jobID
	s.currentTemplate = tpl
	s.currentMu.Unlock()

	s.sessions.Range(func(_, v interface{}) bool {
		sess := v.(*Session)
		sess.mu.Lock()
		authorized := sess.state == StateAuthorized
		family := sess.family
		sess.mu.Unlock()
		if !authorized {
			return true
		}
		s.sendNotify(sess, jobID, tpl, cleanJobs, family)
		return true
	})
}

func (s *Server) sendCurrentJob(sess *Session) {
	sess.mu.Lock()
	family := sess.family
	sess.mu.Unlock()

	s.currentMu.RLock()
	jobID, tpl := s.currentJobID, s.currentTemplate
	s.currentMu.RUnlock()
	if tpl == nil {
		return
	}
	s.sendNotify(sess, jobID, tpl, true, family)
}

func (s *Server) sendNotify(sess *Session, jobID string, tpl *templates.Template, cleanJobs bool, family asicFamily) {
	targetHex := fmt.Sprintf("%064x", tpl.Target)
	params := []interface{}{
		jobID,
		fmt.Sprintf("%x", tpl.PrePoWHash[:]),
		targetHex,
		cleanJobs,
	}
	if family == familyBitmain {
		params = append(params, tpl.Timestamp)
	}
	s.send(sess, notify{Method: "mining.notify", Params: params})
}

// pushDifficulty is registered as the shares manager's DifficultyChangeFunc:
// it finds the session(s) currently authorized under identity and pushes a
// mining.set_difficulty.
func (s *Server) pushDifficulty(identity shares.WorkerIdentity, newDifficulty uint64) {
	s.sessions.Range(func(_, v interface{}) bool {
		sess := v.(*Session)
		sess.mu.Lock()
		matches := false
		for _, w := range sess.workers {
			if w.address == identity.PayoutAddress && w.worker == identity.WorkerName {
				matches = true
				break
			}
		}
		sess.mu.Unlock()
		if matches {
			s.sendDifficulty(sess, newDifficulty)
		}
		return true
	})
}

func (s *Server) sendDifficulty(sess *Session, difficulty uint64) {
	s.send(sess, notify{Method: "mining.set_difficulty", Params: []interface{}{difficulty}})
}

func (s *Server) sendResult(sess *Session, id interface{}, result interface{}) {
	s.send(sess, response{ID: id, Result: result})
}

func (s *Server) sendError(sess *Session, id interface{}, code int, message string) {
	s.send(sess, response{ID: id, Error: []interface{}{code, message, nil}})
}

func (s *Server) send(sess *Session, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	data = append(data, '\n')

	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	sess.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	sess.conn.Write(data)
}
