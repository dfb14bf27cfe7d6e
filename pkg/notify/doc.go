// Package notify broadcasts pipeline progress to observers.
//
// Hub serves websocket observers, RedisNotifier publishes to a Redis
// channel for other instances, and Multi fans out to both. Delivery never
// blocks the control loop for longer than a write timeout, and an observer
// whose write fails is dropped.
package notify
