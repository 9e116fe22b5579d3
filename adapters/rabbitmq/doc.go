/*
Package rabbitmq provides a RabbitMQ Source for the ingestion loop.
Each subscribed topic is a queue consumed on one shared channel. Deliveries are
acknowledged on the poll following the one that returned them, after the loop
has finished the batch, so a crash mid-batch leads to redelivery.
*/
package rabbitmq
