// Package ingest converts external deliveries into signals.
//
// Webhook normalizers accept the raw bodies of Stripe, Shopify, Zendesk,
// Freshdesk and generic deliveries. Generator produces synthetic failures
// (checkout, API, webhook, migration, support ticket) for demos and
// end-to-end tests. Neither stores anything; pass the result to
// engine.Ingestor.
package ingest
