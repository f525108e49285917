package services

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

// WebRTCService keeps optional server-side peers for answered calls, one per
// (media channel, user). Candidates and state changes go back to that user.
type WebRTCService struct {
	api         *webrtc.API
	connections map[string]*WebRTCConnection
	mutex       sync.RWMutex
	stunServer  string
	sink        SessionBroadcaster
	logger      *logrus.Logger
}

type WebRTCConnection struct {
	ID             string
	Channel        string
	SessionToken   string
	UserID         uint
	PeerConnection *webrtc.PeerConnection
	Status         string
	CreatedAt      time.Time
}

// NewWebRTCService 创建 WebRTC 服务
func NewWebRTCService(stunServer string, logger *logrus.Logger) *WebRTCService {
	if logger == nil {
		logger = logrus.New()
	}
	return &WebRTCService{
		api:         webrtc.NewAPI(),
		connections: make(map[string]*WebRTCConnection),
		stunServer:  stunServer,
		sink:        noopBroadcaster{},
		logger:      logger,
	}
}

// SetSink 设置信令推送目标
func (s *WebRTCService) SetSink(sink SessionBroadcaster) {
	if sink == nil {
		sink = noopBroadcaster{}
	}
	s.mutex.Lock()
	s.sink = sink
	s.mutex.Unlock()
}

// ICEServers returns the ICE configuration handed to clients with a call offer.
func (s *WebRTCService) ICEServers() []webrtc.ICEServer {
	if s == nil || s.stunServer == "" {
		return nil
	}
	return []webrtc.ICEServer{{URLs: []string{s.stunServer}}}
}

func connectionKey(channel string, userID uint) string {
	return fmt.Sprintf("%s#%d", channel, userID)
}

func (s *WebRTCService) push(userID uint, msg WebSocketMessage) {
	s.mutex.RLock()
	sink := s.sink
	s.mutex.RUnlock()
	msg.Timestamp = time.Now()
	sink.SendToUser(userID, msg)
}

func (s *WebRTCService) createPeerConnection(channel, sessionToken string, userID uint) (*WebRTCConnection, error) {
	config := webrtc.Configuration{ICEServers: s.ICEServers()}

	peerConnection, err := s.api.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	conn := &WebRTCConnection{
		ID:             fmt.Sprintf("webrtc_%s_%d_%d", channel, userID, time.Now().UnixNano()),
		Channel:        channel,
		SessionToken:   sessionToken,
		UserID:         userID,
		PeerConnection: peerConnection,
		Status:         "created",
		CreatedAt:      time.Now(),
	}

	peerConnection.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Infof("WebRTC connection %s state changed to %s", conn.ID, state.String())
		s.mutex.Lock()
		conn.Status = state.String()
		s.mutex.Unlock()

		s.push(userID, WebSocketMessage{
			Type:      EventWebRTCStateChange,
			SessionID: sessionToken,
			Data: map[string]interface{}{
				"connection_id": conn.ID,
				"state":         state.String(),
			},
		})
	})

	peerConnection.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		candidateData, err := json.Marshal(candidate.ToJSON())
		if err != nil {
			s.logger.Errorf("Failed to marshal ICE candidate: %v", err)
			return
		}
		s.push(userID, WebSocketMessage{
			Type:      EventWebRTCCandidate,
			SessionID: sessionToken,
			Data: map[string]interface{}{
				"connection_id": conn.ID,
				"candidate":     json.RawMessage(candidateData),
			},
		})
	})

	peerConnection.OnDataChannel(func(dc *webrtc.DataChannel) {
		s.logger.Debugf("data channel %s opened on %s", dc.Label(), conn.ID)
	})

	return conn, nil
}

// HandleOffer replaces any peer the user already has on channel and answers offer.
func (s *WebRTCService) HandleOffer(channel, sessionToken string, userID uint, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		return nil, fmt.Errorf("%w: sdp offer required", ErrValidation)
	}
	s.closeKey(connectionKey(channel, userID))

	conn, err := s.createPeerConnection(channel, sessionToken, userID)
	if err != nil {
		return nil, err
	}

	if err := conn.PeerConnection.SetRemoteDescription(offer); err != nil {
		_ = conn.PeerConnection.Close()
		return nil, fmt.Errorf("%w: failed to set remote description: %v", ErrValidation, err)
	}
	answer, err := conn.PeerConnection.CreateAnswer(nil)
	if err != nil {
		_ = conn.PeerConnection.Close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := conn.PeerConnection.SetLocalDescription(answer); err != nil {
		_ = conn.PeerConnection.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	s.mutex.Lock()
	s.connections[connectionKey(channel, userID)] = conn
	s.mutex.Unlock()

	s.logger.Infof("Created WebRTC answer for channel %s user %d", channel, userID)
	return &answer, nil
}

// HandleICECandidate adds a remote candidate to the user's peer on channel.
func (s *WebRTCService) HandleICECandidate(channel string, userID uint, candidate webrtc.ICECandidateInit) error {
	conn, err := s.getConnection(channel, userID)
	if err != nil {
		return err
	}
	if err := conn.PeerConnection.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("%w: failed to add ICE candidate: %v", ErrValidation, err)
	}
	return nil
}

// CloseChannel closes every peer on channel and returns how many were closed.
func (s *WebRTCService) CloseChannel(channel string) int {
	s.mutex.Lock()
	var victims []*WebRTCConnection
	for key, conn := range s.connections {
		if conn.Channel == channel {
			victims = append(victims, conn)
			delete(s.connections, key)
		}
	}
	s.mutex.Unlock()

	for _, conn := range victims {
		if err := conn.PeerConnection.Close(); err != nil {
			s.logger.Errorf("Failed to close peer connection %s: %v", conn.ID, err)
		}
		s.logger.Infof("Closed WebRTC connection %s", conn.ID)
	}
	return len(victims)
}

func (s *WebRTCService) closeKey(key string) {
	s.mutex.Lock()
	conn, ok := s.connections[key]
	delete(s.connections, key)
	s.mutex.Unlock()
	if ok {
		_ = conn.PeerConnection.Close()
	}
}

func (s *WebRTCService) getConnection(channel string, userID uint) (*WebRTCConnection, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	conn, ok := s.connections[connectionKey(channel, userID)]
	if !ok {
		return nil, fmt.Errorf("%w: no peer for user %d on %s", ErrInvalidState, userID, channel)
	}
	return conn, nil
}

// GetConnectionStats 连接状态快照
func (s *WebRTCService) GetConnectionStats(channel string, userID uint) (map[string]interface{}, error) {
	conn, err := s.getConnection(channel, userID)
	if err != nil {
		return nil, err
	}
	s.mutex.RLock()
	status := conn.Status
	s.mutex.RUnlock()
	return map[string]interface{}{
		"connection_id":        conn.ID,
		"channel":              conn.Channel,
		"user_id":              conn.UserID,
		"connection_state":     conn.PeerConnection.ConnectionState().String(),
		"ice_connection_state": conn.PeerConnection.ICEConnectionState().String(),
		"ice_gathering_state":  conn.PeerConnection.ICEGatheringState().String(),
		"created_at":           conn.CreatedAt,
		"status":               status,
	}, nil
}

func (s *WebRTCService) GetConnectionCount() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.connections)
}
