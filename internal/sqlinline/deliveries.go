package sqlinline

const QClaimWebhookDelivery = `--sql 8f29b403-7c0c-45b0-9c2a-90ca1b52a94d
insert into gen_webhook_deliveries(provider, token, received_at)
values ($1::text, $2::text, now())
on conflict (provider, token) do nothing;
`

const QReleaseWebhookDelivery = `--sql a9d75559-a849-4f51-9d9f-be9bc1d6461d
delete from gen_webhook_deliveries
where provider = $1::text
  and token = $2::text;
`

const QNotifyJobEvent = `--sql 6ce00db0-82f6-45bf-ac26-e983300bf5c9
select pg_notify($1::text, $2::text);
`
